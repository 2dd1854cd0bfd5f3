// Package stages defines the scientific collaborators of the processing
// pipeline. The per-unit processor only sees these interfaces; the built-in
// implementations here are simple reference algorithms that make the binary
// usable end to end.
package stages

import (
	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// SpotFinder detects strong pixel clusters on a still image.
type SpotFinder interface {
	Find(c *imageset.Container, params *config.Params) (*reflections.Table, error)
}

// Indexer determines a lattice model consistent with the observed spot
// positions and returns the experiment models together with the refined
// indexed observations.
type Indexer interface {
	Index(c *imageset.Container, observed *reflections.Table, params *config.Params) (geometry.ExperimentList, *reflections.Table, error)
}

// ProfileModeler estimates the reflection profile model from the indexed
// observations and attaches it to the experiments.
type ProfileModeler interface {
	Model(experiments geometry.ExperimentList, indexed *reflections.Table, params *config.Params) (geometry.ExperimentList, error)
}

// Predictor predicts reflection positions from the experiment models.
type Predictor interface {
	Predict(experiments geometry.ExperimentList, params *config.Params) (*reflections.Table, error)
}

// Integrator measures intensities for the predicted reflections.
type Integrator interface {
	Integrate(c *imageset.Container, experiments geometry.ExperimentList, predicted *reflections.Table, params *config.Params) (*reflections.Table, error)
}

// Suite bundles the collaborators for one pipeline run.
type Suite struct {
	SpotFinder     SpotFinder
	Indexer        Indexer
	ProfileModeler ProfileModeler
	Predictor      Predictor
	Integrator     Integrator
}

// DefaultSuite returns the built-in reference algorithms.
func DefaultSuite() Suite {
	return Suite{
		SpotFinder:     &ThresholdSpotFinder{},
		Indexer:        &KnownBasisIndexer{},
		ProfileModeler: &SpotExtentModeler{},
		Predictor:      &GridPredictor{},
		Integrator:     &SummationIntegrator{},
	}
}
