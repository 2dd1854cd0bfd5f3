package reflections

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RMSD2D is the root-mean-square displacement between observed and
// calculated centroids in the detector plane, in pixels. It is the primary
// per-image quality signal operators watch during a run. Returns 0 for an
// empty table.
func RMSD2D(t *Table) float64 {
	if t.Len() == 0 {
		return 0
	}

	sq := make([]float64, 0, t.Len())
	for i := range t.Reflections {
		r := &t.Reflections[i]
		dx := r.XYZObsPX[0] - r.XYZCalPX[0]
		dy := r.XYZObsPX[1] - r.XYZCalPX[1]
		sq = append(sq, dx*dx+dy*dy)
	}

	return math.Sqrt(stat.Mean(sq, nil))
}

// ISigI is the signal-to-noise ratio of the summation intensity, or 0 when
// the variance is not positive.
func (r *Reflection) ISigI() float64 {
	if r.IntensitySum.Variance <= 0 {
		return 0
	}
	return r.IntensitySum.Value / math.Sqrt(r.IntensitySum.Variance)
}
