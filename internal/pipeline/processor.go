// Package pipeline runs one processing unit through the ordered stage
// sequence find-spots, index, refine, integrate, isolating stage failures so
// one bad image never aborts the batch.
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
	"github.com/xtal-tools/stillsproc/internal/stages"
	"github.com/xtal-tools/stillsproc/internal/writer"
)

// Processor runs the stage pipeline for exactly one unit. It owns its
// parameter copy outright; nothing it mutates is visible to other units.
type Processor struct {
	params *config.Params
	suite  stages.Suite
	paths  OutputPaths
	tag    string
	log    *slog.Logger
}

// NewProcessor builds a processor for one unit. params must be a deep copy
// dedicated to this unit.
func NewProcessor(params *config.Params, suite stages.Suite, tag string) (*Processor, error) {
	paths, err := ResolvePaths(params.Output, tag)
	if err != nil {
		return nil, err
	}
	return &Processor{
		params: params,
		suite:  suite,
		paths:  paths,
		tag:    tag,
		log:    slog.With("tag", tag),
	}, nil
}

// ProcessUnit runs the full pipeline for one unit and returns its terminal
// outcome. Stage errors are caught here, logged with the unit tag and stage
// name, and never propagate.
func (p *Processor) ProcessUnit(c *imageset.Container) Outcome {
	if p.paths.Imageset != "" {
		if err := c.Dump(p.paths.Imageset); err != nil {
			p.log.Error("Error dumping imageset", "error", err)
			return FailedAt(p.tag, StageLoad, err)
		}
	}

	observed, err := p.findSpots(c)
	if err != nil {
		p.log.Error("Error spotfinding", "error", err)
		return FailedAt(p.tag, StageSpotFinding, err)
	}

	experiments, indexed, err := p.index(c, observed)
	if err != nil {
		p.log.Error("Couldn't index", "error", err)
		return FailedAt(p.tag, StageIndexing, err)
	}

	experiments, err = p.refine(experiments)
	if err != nil {
		p.log.Error("Error refining", "error", err)
		return FailedAt(p.tag, StageRefinement, err)
	}

	if _, err := p.integrate(c, experiments, indexed); err != nil {
		p.log.Error("Error integrating", "error", err)
		return FailedAt(p.tag, StageIntegration, err)
	}

	return Completed(p.tag)
}

// findSpots runs spot finding and normalizes the degenerate z axis: stills
// have no rotation axis, so every centroid gets z=0 and every bounding box a
// unit z slab. Downstream stages rely on this post-condition.
func (p *Processor) findSpots(c *imageset.Container) (*reflections.Table, error) {
	start := time.Now()
	p.log.Info("Finding strong spots")

	observed, err := p.suite.SpotFinder.Find(c, p.params)
	if err != nil {
		return nil, err
	}

	for i := range observed.Reflections {
		r := &observed.Reflections[i]
		r.XYZObsPX[2] = 0
		r.Bbox[4], r.Bbox[5] = 0, 1
	}

	if p.paths.Strong != "" {
		if err := writer.SaveReflections(p.log, p.paths.Strong, observed); err != nil {
			return nil, err
		}
	}

	p.log.Info("Spot finding done", "spots", observed.Len(), "elapsed", time.Since(start))
	return observed, nil
}

// index runs indexing on a parameter copy with scan-varying refinement
// force-disabled: a still is a single rigid snapshot of the crystal.
func (p *Processor) index(c *imageset.Container, observed *reflections.Table) (geometry.ExperimentList, *reflections.Table, error) {
	start := time.Now()
	p.log.Info("Indexing strong spots")

	params := p.params.Clone()
	params.Refinement.Parameterisation.ScanVarying = false

	experiments, indexed, err := p.suite.Indexer.Index(c, observed, params)
	if err != nil {
		return nil, nil, err
	}

	if p.paths.Indexed != "" {
		if err := writer.SaveReflections(p.log, p.paths.Indexed, indexed); err != nil {
			return nil, nil, err
		}
	}

	p.log.Info("Indexing done", "indexed", indexed.Len(), "elapsed", time.Since(start))
	return experiments, indexed, nil
}

// refine is a pass-through for stills: the crystal orientation is already
// jointly refined during indexing, so this stage only persists the models.
// The stage exists for symmetry with multi-image workflows.
func (p *Processor) refine(experiments geometry.ExperimentList) (geometry.ExperimentList, error) {
	p.log.Info("Skipping refinement: crystal orientation is refined during indexing")

	if p.paths.RefinedExperiments != "" {
		if err := writer.SaveExperiments(p.log, p.paths.RefinedExperiments, experiments); err != nil {
			return nil, err
		}
	}
	return experiments, nil
}

func (p *Processor) integrate(c *imageset.Container, experiments geometry.ExperimentList, indexed *reflections.Table) (*reflections.Table, error) {
	start := time.Now()
	p.log.Info("Integrating reflections")

	indexed, err := p.processReference(indexed)
	if err != nil {
		return nil, err
	}

	experiments, err = p.suite.ProfileModeler.Model(experiments, indexed, p.params)
	if err != nil {
		return nil, err
	}

	p.log.Info("Predicting reflections")
	predicted, err := p.suite.Predictor.Predict(experiments, p.params)
	if err != nil {
		return nil, err
	}
	matched := reflections.MatchWithReference(predicted, indexed)
	p.log.Info("Matched predictions with reference", "matched", matched, "predicted", predicted.Len())

	integrated, err := p.suite.Integrator.Integrate(c, experiments, predicted, p.params)
	if err != nil {
		return nil, err
	}

	// Keep only reflections that actually integrated: profile-fitted when
	// that intensity type is present, summation-integrated otherwise.
	if integrated.HasProfile {
		integrated = integrated.Select(func(r *reflections.Reflection) bool {
			return r.Has(reflections.Integrated)
		})
	} else {
		integrated = integrated.Select(func(r *reflections.Reflection) bool {
			return r.Has(reflections.IntegratedSum)
		})
	}

	lenAll := integrated.Len()
	integrated = integrated.Select(func(r *reflections.Reflection) bool {
		return !r.Has(reflections.ForegroundIncludesBadPixels)
	})
	p.log.Info("Filtering reflections with at least one bad foreground pixel",
		"filtered", lenAll-integrated.Len(), "of", lenAll)

	integrated, err = p.checkVariances(integrated)
	if err != nil {
		return nil, err
	}

	if p.paths.Integrated != "" {
		if err := writer.SaveReflections(p.log, p.paths.Integrated, integrated); err != nil {
			return nil, err
		}
	}
	if err := writer.WriteIntegrationSummaries(p.log, p.paths.IntegrationSummary, p.paths.OutputDir, p.tag, integrated, experiments); err != nil {
		return nil, err
	}

	p.logRMSD(indexed, integrated, experiments)

	p.log.Info("Integration done", "integrated", integrated.Len(), "elapsed", time.Since(start))
	return integrated, nil
}

// processReference cleans the indexed observations before they are used as
// the integration reference: unindexed observations and (0,0,0) junk are
// dropped; a negative experiment id is irrecoverable and marks the unit's
// data as corrupt.
func (p *Processor) processReference(reference *reflections.Table) (*reflections.Table, error) {
	if reference == nil {
		return nil, nil
	}
	p.log.Info("Processing reference reflections", "strong_spots", reference.Len())

	unindexed := reference.Count(func(r *reflections.Reflection) bool {
		return !r.Has(reflections.Indexed)
	})
	if unindexed > 0 {
		reference = reference.Select(func(r *reflections.Reflection) bool {
			return r.Has(reflections.Indexed)
		})
		p.log.Info("Removing unindexed reflections", "count", unindexed)
	}
	if reference.Len() == 0 {
		return nil, fmt.Errorf("invalid reference reflections: expected > 0 indexed spots, got 0")
	}

	junk := reference.Count(func(r *reflections.Reflection) bool {
		return r.MillerIndex == [3]int{0, 0, 0}
	})
	if junk > 0 {
		reference = reference.Select(func(r *reflections.Reflection) bool {
			return r.MillerIndex != [3]int{0, 0, 0}
		})
		p.log.Info("Removing reflections with hkl (0,0,0)", "count", junk)
	}

	invalid := reference.Count(func(r *reflections.Reflection) bool {
		return r.ExperimentID < 0
	})
	if invalid > 0 {
		return nil, fmt.Errorf("%w: %d reference spots have an invalid experiment id", ErrInvalidData, invalid)
	}

	p.log.Info("Using indexed reflections", "count", reference.Len())
	return reference, nil
}

// checkVariances applies the variance sanity gates and the detector gain
// correction. Non-positive profile or summation variances and negative
// background variances are fatal for the unit; zero background variances are
// silently dropped. The asymmetry is deliberate and matches long-standing
// downstream expectations.
func (p *Processor) checkVariances(integrated *reflections.Table) (*reflections.Table, error) {
	gain := p.params.Integration.Summation.DetectorGain

	if integrated.HasProfile {
		bad := integrated.Count(func(r *reflections.Reflection) bool {
			return r.IntensityPrf != nil && r.IntensityPrf.Variance <= 0
		})
		if bad > 0 {
			return nil, fmt.Errorf("%w: found %d non-positive profile intensity variances", ErrInvalidData, bad)
		}
	}

	if integrated.HasSummation {
		bad := integrated.Count(func(r *reflections.Reflection) bool {
			return r.IntensitySum.Variance <= 0
		})
		if bad > 0 {
			return nil, fmt.Errorf("%w: found %d non-positive summation intensity variances", ErrInvalidData, bad)
		}
		for i := range integrated.Reflections {
			integrated.Reflections[i].IntensitySum.Variance *= gain
		}
	}

	if integrated.HasBackground {
		negative := integrated.Count(func(r *reflections.Reflection) bool {
			return r.BackgroundSum.Variance < 0
		})
		if negative > 0 {
			return nil, fmt.Errorf("%w: found %d negative background variances", ErrInvalidData, negative)
		}

		zero := integrated.Count(func(r *reflections.Reflection) bool {
			return r.BackgroundSum.Variance == 0
		})
		if zero > 0 {
			p.log.Info("Filtering reflections with zero background variance", "count", zero)
			integrated = integrated.Select(func(r *reflections.Reflection) bool {
				return r.BackgroundSum.Variance > 0
			})
		}
		for i := range integrated.Reflections {
			integrated.Reflections[i].BackgroundSum.Variance *= gain
		}
	}

	return integrated, nil
}

// logRMSD emits the per-unit quality diagnostic: the indexed RMSD plus an
// I/sigI ladder of integrated counts and RMSDs. Operators watch these lines
// to catch bad frames during a run.
func (p *Processor) logRMSD(indexed, integrated *reflections.Table, experiments geometry.ExperimentList) {
	p.log.Info("RMSD indexed", "rmsd_px", reflections.RMSD2D(indexed))

	for i := 0; i <= 5; i++ {
		threshold := float64(i)
		bright := integrated.Select(func(r *reflections.Reflection) bool {
			return r.ISigI() >= threshold
		})
		rmsd := 0.0
		if bright.Len() > 0 {
			rmsd = reflections.RMSD2D(bright)
		}
		p.log.Info("Integrated reflections", "i_over_sigi", i, "count", bright.Len(), "rmsd_px", rmsd)
	}

	if len(experiments) > 0 && experiments[0].Crystal != nil {
		if fit := experiments[0].Crystal.ProfileFit; fit != nil {
			p.log.Info("Final profile model",
				"domain_size_ang", fit.DomainSizeAng,
				"half_mosaicity_deg", fit.HalfMosaicityDeg)
		}
	}
}
