package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
	"github.com/xtal-tools/stillsproc/internal/stages"
)

// Function adapters so tests can fake individual stages.

type spotFinderFunc func(*imageset.Container, *config.Params) (*reflections.Table, error)

func (f spotFinderFunc) Find(c *imageset.Container, p *config.Params) (*reflections.Table, error) {
	return f(c, p)
}

type indexerFunc func(*imageset.Container, *reflections.Table, *config.Params) (geometry.ExperimentList, *reflections.Table, error)

func (f indexerFunc) Index(c *imageset.Container, o *reflections.Table, p *config.Params) (geometry.ExperimentList, *reflections.Table, error) {
	return f(c, o, p)
}

type modelerFunc func(geometry.ExperimentList, *reflections.Table, *config.Params) (geometry.ExperimentList, error)

func (f modelerFunc) Model(e geometry.ExperimentList, i *reflections.Table, p *config.Params) (geometry.ExperimentList, error) {
	return f(e, i, p)
}

type predictorFunc func(geometry.ExperimentList, *config.Params) (*reflections.Table, error)

func (f predictorFunc) Predict(e geometry.ExperimentList, p *config.Params) (*reflections.Table, error) {
	return f(e, p)
}

type integratorFunc func(*imageset.Container, geometry.ExperimentList, *reflections.Table, *config.Params) (*reflections.Table, error)

func (f integratorFunc) Integrate(c *imageset.Container, e geometry.ExperimentList, pr *reflections.Table, p *config.Params) (*reflections.Table, error) {
	return f(c, e, pr, p)
}

func testContainer() *imageset.Container {
	frame := &imageset.Frame{
		Data:       make([]float64, 16*16),
		Width:      16,
		Height:     16,
		SourcePath: "shots/still.png",
	}
	return &imageset.Container{
		Frames: []*imageset.Frame{frame},
		Detector: &geometry.Detector{
			PixelSizeMM:  [2]float64{0.1, 0.1},
			ImageSize:    [2]int{16, 16},
			DistanceMM:   100,
			BeamCenterPX: [2]float64{8, 8},
			Gain:         1,
		},
		Beam:       &geometry.Beam{WavelengthA: 1},
		SourcePath: "shots/still.png",
	}
}

func testParams(t *testing.T) *config.Params {
	t.Helper()
	params := config.Default()
	params.Output.OutputDir = t.TempDir()
	return params
}

func mustProcessor(t *testing.T, params *config.Params, suite stages.Suite, tag string) *Processor {
	t.Helper()
	p, err := NewProcessor(params, suite, tag)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p
}

func strongTable(n int) *reflections.Table {
	table := &reflections.Table{HasSummation: true}
	for i := 0; i < n; i++ {
		table.Append(reflections.Reflection{
			ExperimentID: -1,
			Flags:        reflections.Strong,
			XYZObsPX:     [3]float64{float64(3 + i), float64(4 + i), 3.5},
			Bbox:         [6]int{3 + i, 5 + i, 4 + i, 6 + i, 3, 4},
			IntensitySum: reflections.Intensity{Value: 100, Variance: 100},
		})
	}
	return table
}

func indexAll(observed *reflections.Table, c *imageset.Container) (geometry.ExperimentList, *reflections.Table) {
	indexed := &reflections.Table{HasSummation: observed.HasSummation}
	for i := range observed.Reflections {
		r := observed.Reflections[i]
		r.ExperimentID = 0
		r.MillerIndex = [3]int{i + 1, 0, 0}
		r.Flags |= reflections.Indexed
		indexed.Append(r)
	}
	experiments := geometry.ExperimentList{{
		Detector:  c.Detector,
		Beam:      c.Beam,
		Crystal:   &geometry.Crystal{Basis: [2][3]float64{{10, 0, 0}, {0, 10, 0}}},
		ImagePath: c.SourcePath,
	}}
	return experiments, indexed
}

func workingSuite(captured **reflections.Table) stages.Suite {
	return stages.Suite{
		SpotFinder: spotFinderFunc(func(c *imageset.Container, p *config.Params) (*reflections.Table, error) {
			return strongTable(4), nil
		}),
		Indexer: indexerFunc(func(c *imageset.Container, o *reflections.Table, p *config.Params) (geometry.ExperimentList, *reflections.Table, error) {
			if captured != nil {
				*captured = o
			}
			experiments, indexed := indexAll(o, c)
			return experiments, indexed, nil
		}),
		ProfileModeler: modelerFunc(func(e geometry.ExperimentList, i *reflections.Table, p *config.Params) (geometry.ExperimentList, error) {
			return e, nil
		}),
		Predictor: predictorFunc(func(e geometry.ExperimentList, p *config.Params) (*reflections.Table, error) {
			predicted := &reflections.Table{}
			for i := 0; i < 4; i++ {
				predicted.Append(reflections.Reflection{
					ExperimentID: 0,
					MillerIndex:  [3]int{i + 1, 0, 0},
					XYZCalPX:     [3]float64{float64(3 + i), float64(4 + i), 0},
					Flags:        reflections.Predicted,
				})
			}
			return predicted, nil
		}),
		Integrator: integratorFunc(func(c *imageset.Container, e geometry.ExperimentList, pr *reflections.Table, p *config.Params) (*reflections.Table, error) {
			out := &reflections.Table{HasSummation: true, HasBackground: true}
			for i := range pr.Reflections {
				r := pr.Reflections[i]
				r.IntensitySum = reflections.Intensity{Value: 50, Variance: 60}
				r.BackgroundSum = reflections.Intensity{Value: 10, Variance: 2}
				r.Flags |= reflections.IntegratedSum
				out.Append(r)
			}
			return out, nil
		}),
	}
}

func TestProcessUnitCompletes(t *testing.T) {
	params := testParams(t)
	var observedByIndexer *reflections.Table

	processor := mustProcessor(t, params, workingSuite(&observedByIndexer), "still_00001")
	outcome := processor.ProcessUnit(testContainer())

	if outcome.Failed() {
		t.Fatalf("Expected completed outcome, got failure at %s: %v", outcome.Stage, outcome.Err)
	}
	if outcome.Tag != "still_00001" {
		t.Errorf("Expected tag still_00001, got %q", outcome.Tag)
	}

	// Every per-unit artifact lands under the output directory with the
	// tag-derived name.
	for _, name := range []string{
		"idx-still_00001_imageset.json",
		"idx-still_00001_strong.parquet",
		"idx-still_00001_indexed.parquet",
		"idx-still_00001_refined_experiments.json",
		"idx-still_00001_integrated.parquet",
		"int-0-still_00001.json",
	} {
		path := filepath.Join(params.Output.OutputDir, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected artifact %s: %v", name, err)
		}
	}

	// Spot finding normalizes the degenerate z axis before indexing sees
	// the observations.
	if observedByIndexer == nil {
		t.Fatal("Indexer never ran")
	}
	for i := range observedByIndexer.Reflections {
		r := &observedByIndexer.Reflections[i]
		if r.XYZObsPX[2] != 0 {
			t.Errorf("Reflection %d: expected z centroid 0, got %v", i, r.XYZObsPX[2])
		}
		if r.Bbox[4] != 0 || r.Bbox[5] != 1 {
			t.Errorf("Reflection %d: expected unit z slab, got [%d, %d]", i, r.Bbox[4], r.Bbox[5])
		}
	}
}

func TestProcessUnitFailsAtIndexingKeepsEarlierArtifacts(t *testing.T) {
	params := testParams(t)

	suite := workingSuite(nil)
	suite.Indexer = indexerFunc(func(c *imageset.Container, o *reflections.Table, p *config.Params) (geometry.ExperimentList, *reflections.Table, error) {
		return nil, nil, errors.New("no viable lattice found")
	})

	processor := mustProcessor(t, params, suite, "bad_frame")
	outcome := processor.ProcessUnit(testContainer())

	if !outcome.Failed() {
		t.Fatal("Expected failed outcome")
	}
	if outcome.Stage != StageIndexing {
		t.Errorf("Expected failure at %s, got %s", StageIndexing, outcome.Stage)
	}

	// The strong spots from the completed stage survive on disk; nothing
	// from later stages does.
	if _, err := os.Stat(filepath.Join(params.Output.OutputDir, "idx-bad_frame_strong.parquet")); err != nil {
		t.Errorf("Strong reflections should be persisted before the failure: %v", err)
	}
	for _, name := range []string{
		"idx-bad_frame_indexed.parquet",
		"idx-bad_frame_refined_experiments.json",
		"idx-bad_frame_integrated.parquet",
	} {
		if _, err := os.Stat(filepath.Join(params.Output.OutputDir, name)); err == nil {
			t.Errorf("Artifact %s should not exist after an indexing failure", name)
		}
	}
}

func TestProcessUnitFailsAtSpotFinding(t *testing.T) {
	params := testParams(t)

	suite := workingSuite(nil)
	suite.SpotFinder = spotFinderFunc(func(c *imageset.Container, p *config.Params) (*reflections.Table, error) {
		return nil, errors.New("empty frame")
	})

	outcome := mustProcessor(t, params, suite, "empty").ProcessUnit(testContainer())

	if outcome.Stage != StageSpotFinding {
		t.Errorf("Expected failure at %s, got %s", StageSpotFinding, outcome.Stage)
	}
}

func TestIndexingDisablesScanVaryingOnACopy(t *testing.T) {
	params := testParams(t)
	params.Refinement.Parameterisation.ScanVarying = true

	var sawScanVarying bool
	suite := workingSuite(nil)
	suite.Indexer = indexerFunc(func(c *imageset.Container, o *reflections.Table, p *config.Params) (geometry.ExperimentList, *reflections.Table, error) {
		sawScanVarying = p.Refinement.Parameterisation.ScanVarying
		experiments, indexed := indexAll(o, c)
		return experiments, indexed, nil
	})

	outcome := mustProcessor(t, params, suite, "still").ProcessUnit(testContainer())
	if outcome.Failed() {
		t.Fatalf("Unexpected failure: %v", outcome.Err)
	}

	if sawScanVarying {
		t.Error("Indexing must run with scan-varying refinement disabled")
	}
	if !params.Refinement.Parameterisation.ScanVarying {
		t.Error("Caller's parameters must not be mutated")
	}
}

func TestProcessReference(t *testing.T) {
	p := mustProcessor(t, testParams(t), stages.Suite{}, "ref")

	table := &reflections.Table{}
	table.Append(reflections.Reflection{ExperimentID: 0, MillerIndex: [3]int{1, 0, 0}, Flags: reflections.Indexed})
	table.Append(reflections.Reflection{ExperimentID: 0, MillerIndex: [3]int{0, 0, 0}, Flags: reflections.Indexed})
	table.Append(reflections.Reflection{ExperimentID: -1, Flags: reflections.Strong})

	got, err := p.processReference(table)
	if err != nil {
		t.Fatalf("processReference failed: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("Expected 1 reference reflection after cleaning, got %d", got.Len())
	}
	if got.Reflections[0].MillerIndex != [3]int{1, 0, 0} {
		t.Errorf("Wrong surviving reflection: %v", got.Reflections[0].MillerIndex)
	}
}

func TestProcessReferenceRejectsInvalidExperimentID(t *testing.T) {
	p := mustProcessor(t, testParams(t), stages.Suite{}, "ref")

	table := &reflections.Table{}
	table.Append(reflections.Reflection{ExperimentID: -1, MillerIndex: [3]int{1, 0, 0}, Flags: reflections.Indexed})

	_, err := p.processReference(table)
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData, got %v", err)
	}
}

func TestProcessReferenceRejectsEmptyAfterCleaning(t *testing.T) {
	p := mustProcessor(t, testParams(t), stages.Suite{}, "ref")

	table := &reflections.Table{}
	table.Append(reflections.Reflection{ExperimentID: -1, Flags: reflections.Strong})

	if _, err := p.processReference(table); err == nil {
		t.Error("Expected error when no indexed reflections remain")
	}
}

func TestCheckVariancesAppliesGain(t *testing.T) {
	params := testParams(t)
	params.Integration.Summation.DetectorGain = 2
	p := mustProcessor(t, params, stages.Suite{}, "gain")

	table := &reflections.Table{HasSummation: true, HasBackground: true}
	table.Append(reflections.Reflection{
		IntensitySum:  reflections.Intensity{Value: 10, Variance: 4},
		BackgroundSum: reflections.Intensity{Value: 3, Variance: 1.5},
	})

	got, err := p.checkVariances(table)
	if err != nil {
		t.Fatalf("checkVariances failed: %v", err)
	}
	if v := got.Reflections[0].IntensitySum.Variance; v != 8 {
		t.Errorf("Expected summation variance 8 after gain, got %v", v)
	}
	if v := got.Reflections[0].BackgroundSum.Variance; v != 3 {
		t.Errorf("Expected background variance 3 after gain, got %v", v)
	}
}

func TestCheckVariancesGates(t *testing.T) {
	tests := []struct {
		name    string
		table   *reflections.Table
		wantErr bool
		wantLen int
	}{
		{
			name: "non-positive summation variance is fatal",
			table: func() *reflections.Table {
				tbl := &reflections.Table{HasSummation: true}
				tbl.Append(reflections.Reflection{IntensitySum: reflections.Intensity{Value: 5, Variance: 0}})
				return tbl
			}(),
			wantErr: true,
		},
		{
			name: "non-positive profile variance is fatal",
			table: func() *reflections.Table {
				tbl := &reflections.Table{HasProfile: true}
				tbl.Append(reflections.Reflection{IntensityPrf: &reflections.Intensity{Value: 5, Variance: -1}})
				return tbl
			}(),
			wantErr: true,
		},
		{
			name: "negative background variance is fatal",
			table: func() *reflections.Table {
				tbl := &reflections.Table{HasBackground: true}
				tbl.Append(reflections.Reflection{BackgroundSum: reflections.Intensity{Value: 1, Variance: -0.5}})
				return tbl
			}(),
			wantErr: true,
		},
		{
			name: "zero background variance is silently dropped",
			table: func() *reflections.Table {
				tbl := &reflections.Table{HasBackground: true}
				tbl.Append(reflections.Reflection{BackgroundSum: reflections.Intensity{Value: 1, Variance: 0}})
				tbl.Append(reflections.Reflection{BackgroundSum: reflections.Intensity{Value: 1, Variance: 0.5}})
				return tbl
			}(),
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustProcessor(t, testParams(t), stages.Suite{}, "gate")
			got, err := p.checkVariances(tt.table)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidData) {
					t.Errorf("Expected ErrInvalidData, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("checkVariances failed: %v", err)
			}
			if got.Len() != tt.wantLen {
				t.Errorf("Expected %d reflections, got %d", tt.wantLen, got.Len())
			}
		})
	}
}

func TestOutcomeStates(t *testing.T) {
	completed := Completed("a")
	if completed.Failed() || completed.Skipped {
		t.Error("Completed outcome should be neither failed nor skipped")
	}

	failed := FailedAt("b", StageIntegration, fmt.Errorf("boom"))
	if !failed.Failed() {
		t.Error("FailedAt outcome should report failure")
	}
	if failed.Stage != StageIntegration {
		t.Errorf("Expected stage %s, got %s", StageIntegration, failed.Stage)
	}

	skipped := Skipped("c")
	if skipped.Failed() {
		t.Error("Skipped outcome should not report failure")
	}
	if !skipped.Skipped {
		t.Error("Skipped outcome should be marked skipped")
	}
}
