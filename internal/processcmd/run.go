package processcmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/pipeline"
	"github.com/xtal-tools/stillsproc/internal/results"
	"github.com/xtal-tools/stillsproc/internal/scheduler"
	"github.com/xtal-tools/stillsproc/internal/stages"
	"github.com/xtal-tools/stillsproc/internal/units"
)

func executeProcess(params *config.Params, paths []string) error {
	start := time.Now()

	if err := configureLogging(params); err != nil {
		return err
	}

	runID := uuid.NewString()
	slog.Info("Starting processing run", "run_id", runID, "inputs", len(paths))

	// Run-level configuration problems abort before any unit is scheduled.
	method, err := scheduler.ParseMethod(params.MP.Method)
	if err != nil {
		return err
	}
	if err := pipeline.ValidateTemplates(params.Output); err != nil {
		return err
	}
	if err := os.MkdirAll(params.Output.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var refDetector *geometry.Detector
	if params.Input.ReferenceGeometry != "" {
		refDetector, err = geometry.LoadReference(params.Input.ReferenceGeometry)
		if err != nil {
			return err
		}
		slog.Info("Loaded reference geometry", "path", params.Input.ReferenceGeometry)
	}

	// Loading files...
	preImport := params.Dispatch.PreImport || len(paths) == 1
	var items []units.WorkItem
	if preImport {
		items = units.BuildPreImport(paths, refDetector)
	} else {
		items = units.BuildDeferred(paths)
	}

	slog.Info("Processing units", "count", len(items), "method", method, "nproc", params.MP.NProc)

	suite := stages.DefaultSuite()
	store := results.New()

	work := func(item units.WorkItem) pipeline.Outcome {
		outcome := processItem(item, params, suite, refDetector)
		store.Record(outcome)
		return outcome
	}

	if _, err := scheduler.Run(method, items, params.MP.NProc, params.MP.Rank, params.MP.Size, work); err != nil {
		return err
	}

	summary := store.Summarize()
	printSummary(summary)

	elapsed := time.Since(start)
	if params.Output.RunSummaryFilename != "" {
		path := filepath.Join(params.Output.OutputDir, params.Output.RunSummaryFilename)
		if err := saveRunSummary(path, runID, start, elapsed, summary, store.All()); err != nil {
			return err
		}
		slog.Info("Saved run summary", "path", path)
	}

	slog.Info("Total time taken", "seconds", elapsed.Seconds())
	return nil
}

// processItem runs one unit to its terminal outcome. Every unit gets its own
// deep configuration copy: stages adjust parameters in place and leakage
// across units would be a correctness bug.
func processItem(item units.WorkItem, params *config.Params, suite stages.Suite, refDetector *geometry.Detector) pipeline.Outcome {
	unitParams := params.Clone()

	c := item.Container
	if c == nil {
		loaded, err := imageset.Load(item.Path)
		if err != nil {
			slog.Error("Could not load file", "tag", item.Tag, "file", item.Path, "error", err)
			return pipeline.FailedAt(item.Tag, pipeline.StageLoad, err)
		}
		if len(loaded.Frames) == 0 {
			slog.Warn("Zero length imageset in file", "file", item.Path)
			return pipeline.Skipped(item.Tag)
		}
		if len(loaded.Frames) > 1 {
			err := fmt.Errorf("found a multi-image file %s; run again with pre_import enabled", item.Path)
			slog.Error("Could not load file", "tag", item.Tag, "error", err)
			return pipeline.FailedAt(item.Tag, pipeline.StageLoad, err)
		}
		if refDetector != nil {
			loaded.SetDetector(refDetector)
		}
		c = loaded
	}

	processor, err := pipeline.NewProcessor(unitParams, suite, item.Tag)
	if err != nil {
		slog.Error("Could not resolve output paths", "tag", item.Tag, "error", err)
		return pipeline.FailedAt(item.Tag, pipeline.StageInternal, err)
	}
	return processor.ProcessUnit(c)
}

func configureLogging(params *config.Params) error {
	var level slog.Level
	switch {
	case params.Verbosity <= 0:
		level = slog.LevelWarn
	case params.Verbosity == 1:
		level = slog.LevelInfo
	default:
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if params.Output.LoggingDir != "" {
		if err := os.MkdirAll(params.Output.LoggingDir, 0755); err != nil {
			return fmt.Errorf("failed to create logging directory: %w", err)
		}
		path := filepath.Join(params.Output.LoggingDir, "stillsproc.process.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, file)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

func printSummary(summary results.Summary) {
	fmt.Println("\n========================================")
	fmt.Println("Processing Summary")
	fmt.Println("========================================")
	fmt.Printf("Total Units:        %d\n", summary.Total)
	fmt.Printf("Completed:          %d\n", summary.Completed)
	fmt.Printf("Skipped:            %d\n", summary.Skipped)
	fmt.Printf("Failed:             %d\n", summary.FailedTotal)

	if summary.FailedTotal > 0 {
		fmt.Println()
		fmt.Println("Failures by stage:")

		// Sort stages for consistent output
		var names []string
		for stage := range summary.FailedAt {
			names = append(names, string(stage))
		}
		sort.Strings(names)

		for _, name := range names {
			fmt.Printf("  %s: %d\n", name, summary.FailedAt[pipeline.Stage(name)])
		}
	}
	fmt.Println("========================================")
}

// runSummaryDoc is the YAML run summary written next to the result files.
type runSummaryDoc struct {
	RunID          string         `yaml:"run_id"`
	StartedAt      string         `yaml:"started_at"`
	ElapsedSeconds float64        `yaml:"elapsed_seconds"`
	Total          int            `yaml:"total"`
	Completed      int            `yaml:"completed"`
	Skipped        int            `yaml:"skipped"`
	Failed         int            `yaml:"failed"`
	FailedAtStage  map[string]int `yaml:"failed_at_stage,omitempty"`
	Units          []unitDoc      `yaml:"units"`
}

type unitDoc struct {
	Tag    string `yaml:"tag"`
	Status string `yaml:"status"`
	Stage  string `yaml:"stage,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

func saveRunSummary(path, runID string, start time.Time, elapsed time.Duration, summary results.Summary, outcomes []pipeline.Outcome) error {
	doc := runSummaryDoc{
		RunID:          runID,
		StartedAt:      start.Format("2006-01-02 15:04:05"),
		ElapsedSeconds: elapsed.Seconds(),
		Total:          summary.Total,
		Completed:      summary.Completed,
		Skipped:        summary.Skipped,
		Failed:         summary.FailedTotal,
	}
	if len(summary.FailedAt) > 0 {
		doc.FailedAtStage = make(map[string]int, len(summary.FailedAt))
		for stage, n := range summary.FailedAt {
			doc.FailedAtStage[string(stage)] = n
		}
	}
	for _, o := range outcomes {
		u := unitDoc{Tag: o.Tag}
		switch {
		case o.Failed():
			u.Status = "failed"
			u.Stage = string(o.Stage)
			u.Error = o.Err.Error()
		case o.Skipped:
			u.Status = "skipped"
		default:
			u.Status = "completed"
		}
		doc.Units = append(doc.Units, u)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}
