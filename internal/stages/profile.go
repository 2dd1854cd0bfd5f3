package stages

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// SpotExtentModeler derives a profile model from the extents of the indexed
// observations. With too few spots the crystals simply carry no profile fit;
// downstream consumers check for its presence explicitly.
type SpotExtentModeler struct{}

func (m *SpotExtentModeler) Model(experiments geometry.ExperimentList, indexed *reflections.Table, params *config.Params) (geometry.ExperimentList, error) {
	if !params.Profile.Enabled || indexed.Len() < params.Profile.MinSpots {
		return experiments, nil
	}

	extents := make([]float64, 0, indexed.Len())
	for i := range indexed.Reflections {
		b := indexed.Reflections[i].Bbox
		w := float64(b[1] - b[0])
		h := float64(b[3] - b[2])
		extents = append(extents, math.Max(w, h))
	}
	meanExtent := stat.Mean(extents, nil)
	if meanExtent <= 0 {
		return experiments, nil
	}

	for _, expt := range experiments {
		if expt.Crystal == nil || expt.Detector == nil || expt.Beam == nil {
			continue
		}
		spotMM := meanExtent * expt.Detector.PixelSizeMM[0]
		expt.Crystal.ProfileFit = &geometry.ProfileFitSummary{
			// Scherrer-style inverse relation between spot size and
			// coherently diffracting domain size.
			DomainSizeAng: expt.Beam.WavelengthA * expt.Detector.DistanceMM / spotMM * 10,
			HalfMosaicityDeg: math.Atan2(spotMM, expt.Detector.DistanceMM) /
				2 * 180 / math.Pi,
		}
	}

	return experiments, nil
}
