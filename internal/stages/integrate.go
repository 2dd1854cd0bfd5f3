package stages

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// SummationIntegrator measures each predicted reflection by summing the
// foreground region of its bounding box after subtracting the local
// background estimated from the surrounding ring. When a profile model is
// present and the reflection was matched to an observation, a
// Gaussian-weighted profile-fitted intensity is added as well.
type SummationIntegrator struct{}

func (g *SummationIntegrator) Integrate(c *imageset.Container, experiments geometry.ExperimentList, predicted *reflections.Table, params *config.Params) (*reflections.Table, error) {
	if len(c.Frames) != 1 {
		return nil, fmt.Errorf("integration expects a single-frame unit, got %d frames", len(c.Frames))
	}
	frame := c.Frames[0]
	border := params.Integration.Background.Border

	out := &reflections.Table{
		HasSummation:  true,
		HasBackground: true,
	}

	for i := range predicted.Reflections {
		r := predicted.Reflections[i]
		if r.ExperimentID < 0 || r.ExperimentID >= len(experiments) {
			return nil, fmt.Errorf("prediction references unknown experiment %d", r.ExperimentID)
		}
		expt := experiments[r.ExperimentID]

		bbox := integrationBbox(&r, border, frame)
		r.Bbox = bbox

		fg, bg, hasBad := splitRegions(frame, expt.Detector, bbox, border)

		var bgMean, bgVar float64
		if len(bg) > 1 {
			bgMean, bgVar = stat.MeanVariance(bg, nil)
		}

		var fgSum float64
		for _, v := range fg {
			fgSum += v
		}
		nFg := float64(len(fg))
		nBg := float64(len(bg))

		r.BackgroundSum.Value = nFg * bgMean
		if nBg > 0 {
			r.BackgroundSum.Variance = nFg * nFg * bgVar / nBg
		}

		r.IntensitySum.Value = fgSum - nFg*bgMean
		r.IntensitySum.Variance = fgSum + r.BackgroundSum.Variance

		if hasBad {
			r.Flags |= reflections.ForegroundIncludesBadPixels
		}
		if len(fg) > 0 && r.IntensitySum.Value > 0 {
			r.Flags |= reflections.IntegratedSum
		}

		if params.Profile.Enabled && expt.Crystal != nil && expt.Crystal.ProfileFit != nil && r.Has(reflections.Indexed) {
			if prf, ok := profileFit(frame, &r, bbox, bgMean); ok {
				r.IntensityPrf = &prf
				r.Flags |= reflections.Integrated
				out.HasProfile = true
			}
		}

		if params.Output.Shoeboxes && r.Shoebox == nil {
			r.Shoebox = cutShoebox(frame, bbox)
		}

		out.Append(r)
	}

	return out, nil
}

// integrationBbox uses the observed bounding box when the prediction was
// matched to a spot, otherwise a default box around the calculated position.
func integrationBbox(r *reflections.Reflection, border int, frame *imageset.Frame) [6]int {
	if r.Bbox[1] > r.Bbox[0] && r.Bbox[3] > r.Bbox[2] {
		b := r.Bbox
		// Grow by the background border so the ring has pixels to sample.
		return [6]int{b[0] - border, b[1] + border, b[2] - border, b[3] + border, b[4], b[5]}
	}
	half := border + 2
	cx, cy := int(r.XYZCalPX[0]), int(r.XYZCalPX[1])
	return [6]int{cx - half, cx + half + 1, cy - half, cy + half + 1, 0, 1}
}

// splitRegions collects foreground and background-ring pixel values and
// reports whether any foreground pixel is masked or off-panel.
func splitRegions(frame *imageset.Frame, det *geometry.Detector, bbox [6]int, border int) (fg, bg []float64, hasBad bool) {
	for y := bbox[2]; y < bbox[3]; y++ {
		for x := bbox[0]; x < bbox[1]; x++ {
			inRing := x < bbox[0]+border || x >= bbox[1]-border || y < bbox[2]+border || y >= bbox[3]-border
			if inRing {
				if !det.IsBadPixel(x, y) {
					bg = append(bg, frame.At(x, y))
				}
				continue
			}
			if det.IsBadPixel(x, y) {
				hasBad = true
			}
			fg = append(fg, frame.At(x, y))
		}
	}
	return fg, bg, hasBad
}

// profileFit computes a Gaussian-weighted intensity estimate centered on the
// calculated position.
func profileFit(frame *imageset.Frame, r *reflections.Reflection, bbox [6]int, bgMean float64) (reflections.Intensity, bool) {
	sigma := math.Max(float64(bbox[1]-bbox[0]), float64(bbox[3]-bbox[2])) / 4
	if sigma <= 0 {
		return reflections.Intensity{}, false
	}

	var sp, spp, numerator, varNumerator float64
	for y := bbox[2]; y < bbox[3]; y++ {
		for x := bbox[0]; x < bbox[1]; x++ {
			dx := float64(x) + 0.5 - r.XYZCalPX[0]
			dy := float64(y) + 0.5 - r.XYZCalPX[1]
			p := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			sp += p
			spp += p * p
			c := frame.At(x, y)
			numerator += p * (c - bgMean)
			varNumerator += p * p * math.Max(c, 0)
		}
	}
	if sp <= 0 || spp <= 0 {
		return reflections.Intensity{}, false
	}

	// Normalize the profile to unit sum, then apply the standard
	// profile-fitting estimator.
	value := numerator / spp * sp
	variance := varNumerator / (spp * spp) * sp * sp
	if value <= 0 || variance <= 0 {
		return reflections.Intensity{}, false
	}
	return reflections.Intensity{Value: value, Variance: variance}, true
}
