package stages

import (
	"fmt"
	"math"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// GridPredictor enumerates miller indices whose calculated positions land on
// the detector, bounded by the configured resolution limits.
type GridPredictor struct{}

func (p *GridPredictor) Predict(experiments geometry.ExperimentList, params *config.Params) (*reflections.Table, error) {
	predicted := &reflections.Table{}

	for eid, expt := range experiments {
		if expt.Crystal == nil {
			return nil, fmt.Errorf("experiment %d has no crystal model", eid)
		}
		det := expt.Detector
		center := det.BeamCenterPX
		basis := expt.Crystal.Basis

		diag := math.Hypot(float64(det.ImageSize[0]), float64(det.ImageSize[1]))
		bounds := indexBounds(basis, diag, params.Prediction.Margin)

		for h := -bounds[0]; h <= bounds[0]; h++ {
			for k := -bounds[1]; k <= bounds[1]; k++ {
				for l := -bounds[2]; l <= bounds[2]; l++ {
					if h == 0 && k == 0 && l == 0 {
						continue
					}
					x := center[0] + basis[0][0]*float64(h) + basis[0][1]*float64(k) + basis[0][2]*float64(l)
					y := center[1] + basis[1][0]*float64(h) + basis[1][1]*float64(k) + basis[1][2]*float64(l)
					if x < 0 || y < 0 || x >= float64(det.ImageSize[0]) || y >= float64(det.ImageSize[1]) {
						continue
					}
					if !p.inResolutionRange(expt, x, y, params) {
						continue
					}
					predicted.Append(reflections.Reflection{
						ExperimentID: eid,
						MillerIndex:  [3]int{h, k, l},
						XYZCalPX:     [3]float64{x, y, 0},
						Flags:        reflections.Predicted,
					})
				}
			}
		}
	}

	return predicted, nil
}

// inResolutionRange applies the d_min/d_max cut using the small-angle
// approximation d = lambda * distance / r.
func (p *GridPredictor) inResolutionRange(expt *geometry.Experiment, x, y float64, params *config.Params) bool {
	if params.Prediction.DMin <= 0 && params.Prediction.DMax <= 0 {
		return true
	}
	det := expt.Detector
	rMM := math.Hypot(
		(x-det.BeamCenterPX[0])*det.PixelSizeMM[0],
		(y-det.BeamCenterPX[1])*det.PixelSizeMM[1],
	)
	if rMM <= 0 {
		return params.Prediction.DMax <= 0
	}
	d := expt.Beam.WavelengthA * det.DistanceMM / rMM
	if params.Prediction.DMin > 0 && d < params.Prediction.DMin {
		return false
	}
	if params.Prediction.DMax > 0 && d > params.Prediction.DMax {
		return false
	}
	return true
}

// indexBounds caps the hkl search per axis by how far one index step moves
// the prediction across the panel. A degenerate axis (near-zero column, the
// still-image l axis) contributes only the zero index.
func indexBounds(basis [2][3]float64, diagPX float64, margin int) [3]int {
	const maxBound = 64

	var bounds [3]int
	for j := 0; j < 3; j++ {
		step := math.Hypot(basis[0][j], basis[1][j])
		if step < 1e-9 {
			bounds[j] = 0
			continue
		}
		b := int(math.Ceil(diagPX/step)) + margin
		if b > maxBound {
			b = maxBound
		}
		bounds[j] = b
	}
	return bounds
}
