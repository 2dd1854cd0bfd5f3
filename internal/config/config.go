package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is the full configuration snapshot for one processing run. Every
// unit of work gets its own deep copy (see Clone) before any stage runs,
// because stages adjust parameters in place for the duration of one unit.
type Params struct {
	Verbosity   int               `yaml:"verbosity"`
	Dispatch    DispatchParams    `yaml:"dispatch"`
	Input       InputParams       `yaml:"input"`
	Output      OutputParams      `yaml:"output"`
	MP          MPParams          `yaml:"mp"`
	SpotFinding SpotFindingParams `yaml:"spotfinding"`
	Indexing    IndexingParams    `yaml:"indexing"`
	Refinement  RefinementParams  `yaml:"refinement"`
	Prediction  PredictionParams  `yaml:"prediction"`
	Profile     ProfileParams     `yaml:"profile"`
	Integration IntegrationParams `yaml:"integration"`
}

// DispatchParams controls how input files are turned into processing units.
type DispatchParams struct {
	// PreImport loads and splits every container before scheduling. Needed
	// when processing multiple multi-frame files at once.
	PreImport bool `yaml:"pre_import"`
}

// InputParams names run-level input files.
type InputParams struct {
	// ReferenceGeometry is an optional experiment JSON file with exactly one
	// detector model, applied to every image in place of its own geometry.
	ReferenceGeometry string `yaml:"reference_geometry"`
}

// OutputParams holds the output directory and per-unit filename templates.
// Templates contain a single %s (or %d + %s for the integration summary)
// placeholder; they are never mutated, per-unit paths are resolved into a
// separate structure at processing time.
type OutputParams struct {
	OutputDir                  string `yaml:"output_dir"`
	LoggingDir                 string `yaml:"logging_dir"`
	ImagesetFilename           string `yaml:"imageset_filename"`
	StrongFilename             string `yaml:"strong_filename"`
	IndexedFilename            string `yaml:"indexed_filename"`
	RefinedExperimentsFilename string `yaml:"refined_experiments_filename"`
	IntegratedFilename         string `yaml:"integrated_filename"`
	IntegrationSummary         string `yaml:"integration_summary"`
	RunSummaryFilename         string `yaml:"run_summary_filename"`

	// Shoeboxes keeps the raw pixel values inside the reflection bounding
	// boxes in the integrated output.
	Shoeboxes bool `yaml:"shoeboxes"`
}

// MPParams selects the fan-out strategy.
type MPParams struct {
	// Method is "pool" for a shared worker pool or "stride" for static
	// rank-based partitioning across cooperating processes.
	Method string `yaml:"method"`
	NProc  int    `yaml:"nproc"`
	Rank   int    `yaml:"rank"`
	Size   int    `yaml:"size"`
}

// SpotFindingParams controls the built-in threshold spot finder.
type SpotFindingParams struct {
	Threshold   float64 `yaml:"threshold"`
	MinSpotSize int     `yaml:"min_spot_size"`
	MaxSpotSize int     `yaml:"max_spot_size"`
}

// IndexingParams controls the built-in known-basis indexer.
type IndexingParams struct {
	// Basis is the 2x3 projection of the crystal basis onto the detector
	// plane, in pixels per miller index step.
	Basis [][]float64 `yaml:"basis"`
	// Tolerance is the maximum fractional miller index residual for a spot
	// to count as indexed.
	Tolerance float64 `yaml:"tolerance"`
	// MinFractionIndexed is the smallest indexed fraction of strong spots
	// below which indexing is considered to have failed.
	MinFractionIndexed float64 `yaml:"min_fraction_indexed"`
	MinSpots           int     `yaml:"min_spots"`
}

// RefinementParams mirrors the refinement parameterisation block. Stills
// force scan_varying off during indexing regardless of this setting.
type RefinementParams struct {
	Parameterisation ParameterisationParams `yaml:"parameterisation"`
}

type ParameterisationParams struct {
	ScanVarying bool `yaml:"scan_varying"`
}

// PredictionParams bounds reflection prediction.
type PredictionParams struct {
	DMin        float64 `yaml:"d_min"`
	DMax        float64 `yaml:"d_max"`
	Margin      int     `yaml:"margin"`
	ForceStatic bool    `yaml:"force_static"`
}

// ProfileParams controls profile model construction and profile fitting.
type ProfileParams struct {
	Enabled  bool `yaml:"enabled"`
	MinSpots int  `yaml:"min_spots"`
}

// IntegrationParams controls the integration stage.
type IntegrationParams struct {
	Background BackgroundParams `yaml:"background"`
	Summation  SummationParams  `yaml:"summation"`
}

type BackgroundParams struct {
	// Border is the width in pixels of the background ring around each
	// reflection's foreground region.
	Border int `yaml:"border"`
}

type SummationParams struct {
	// DetectorGain multiplies summation and background variances after
	// integration. See Leslie 1999.
	DetectorGain float64 `yaml:"detector_gain"`
}

// Default returns the baseline parameter set.
func Default() *Params {
	return &Params{
		Verbosity: 1,
		Output: OutputParams{
			OutputDir:                  ".",
			ImagesetFilename:           "%s_imageset.json",
			StrongFilename:             "%s_strong.parquet",
			IndexedFilename:            "%s_indexed.parquet",
			RefinedExperimentsFilename: "%s_refined_experiments.json",
			IntegratedFilename:         "%s_integrated.parquet",
			IntegrationSummary:         "int-%d-%s.json",
			Shoeboxes:                  true,
		},
		MP: MPParams{
			Method: "pool",
			NProc:  1,
			Rank:   0,
			Size:   1,
		},
		SpotFinding: SpotFindingParams{
			Threshold:   5,
			MinSpotSize: 2,
			MaxSpotSize: 1000,
		},
		Indexing: IndexingParams{
			Tolerance:          0.15,
			MinFractionIndexed: 0.5,
			MinSpots:           3,
		},
		Refinement: RefinementParams{
			Parameterisation: ParameterisationParams{ScanVarying: true},
		},
		Prediction: PredictionParams{
			Margin:      1,
			ForceStatic: true,
		},
		Profile: ProfileParams{
			Enabled:  true,
			MinSpots: 3,
		},
		Integration: IntegrationParams{
			Background: BackgroundParams{Border: 2},
			Summation:  SummationParams{DetectorGain: 1},
		},
	}
}

// Load reads a YAML parameter file over the defaults.
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}

	params := Default()
	if err := yaml.Unmarshal(data, params); err != nil {
		return nil, fmt.Errorf("failed to parse parameter file %s: %w", path, err)
	}

	return params, nil
}

// Clone returns a deep copy. Per-unit processors own their copy outright, so
// in-place adjustments (like disabling scan-varying refinement during
// indexing) never leak to other units.
func (p *Params) Clone() *Params {
	out := *p

	if p.Indexing.Basis != nil {
		out.Indexing.Basis = make([][]float64, len(p.Indexing.Basis))
		for i, row := range p.Indexing.Basis {
			out.Indexing.Basis[i] = append([]float64(nil), row...)
		}
	}

	return &out
}
