package stages

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// ErrNoLattice reports that indexing found no viable lattice for a unit.
var ErrNoLattice = errors.New("no viable lattice found")

// KnownBasisIndexer assigns miller indices by solving the configured 2x3
// detector-plane basis for each spot displacement, rounding to the nearest
// integer triple and keeping spots within tolerance. The basis is then
// re-refined against the accepted assignments, which doubles as the
// orientation refinement for stills (there is no separate refinement step
// for single frames).
type KnownBasisIndexer struct{}

func (ix *KnownBasisIndexer) Index(c *imageset.Container, observed *reflections.Table, params *config.Params) (geometry.ExperimentList, *reflections.Table, error) {
	basis, err := basisMatrix(params.Indexing.Basis)
	if err != nil {
		return nil, nil, err
	}
	if observed.Len() < params.Indexing.MinSpots {
		return nil, nil, fmt.Errorf("%w: %d strong spots, need at least %d", ErrNoLattice, observed.Len(), params.Indexing.MinSpots)
	}

	center := c.Detector.BeamCenterPX

	// Minimum-norm fractional indices for all spots at once.
	var svd mat.SVD
	if !svd.Factorize(basis, mat.SVDThin) {
		return nil, nil, fmt.Errorf("basis factorization failed")
	}
	rank := svdRank(&svd)

	disp := mat.NewDense(2, observed.Len(), nil)
	for i := range observed.Reflections {
		r := &observed.Reflections[i]
		disp.Set(0, i, r.XYZObsPX[0]-center[0])
		disp.Set(1, i, r.XYZObsPX[1]-center[1])
	}

	var frac mat.Dense
	svd.SolveTo(&frac, disp, rank)

	indexed := &reflections.Table{
		HasSummation: observed.HasSummation,
	}
	var hCols, dCols []float64
	for i := range observed.Reflections {
		var hkl [3]int
		ok := true
		for j := 0; j < 3; j++ {
			f := frac.At(j, i)
			hkl[j] = int(math.Round(f))
			if math.Abs(f-float64(hkl[j])) > params.Indexing.Tolerance {
				ok = false
			}
		}
		if !ok || hkl == [3]int{0, 0, 0} {
			continue
		}

		r := observed.Reflections[i]
		r.ExperimentID = 0
		r.MillerIndex = hkl
		r.Flags |= reflections.Indexed
		indexed.Append(r)

		hCols = append(hCols, float64(hkl[0]), float64(hkl[1]), float64(hkl[2]))
		dCols = append(dCols, disp.At(0, i), disp.At(1, i))
	}

	n := indexed.Len()
	if n < params.Indexing.MinSpots {
		return nil, nil, fmt.Errorf("%w: only %d of %d spots indexed", ErrNoLattice, n, observed.Len())
	}
	if frac := float64(n) / float64(observed.Len()); frac < params.Indexing.MinFractionIndexed {
		return nil, nil, fmt.Errorf("%w: indexed fraction %.2f below %.2f", ErrNoLattice, frac, params.Indexing.MinFractionIndexed)
	}

	refined, err := refineBasis(basis, hCols, dCols, n)
	if err != nil {
		return nil, nil, err
	}

	// Calculated positions from the refined basis.
	for i := range indexed.Reflections {
		r := &indexed.Reflections[i]
		h := mat.NewVecDense(3, []float64{
			float64(r.MillerIndex[0]),
			float64(r.MillerIndex[1]),
			float64(r.MillerIndex[2]),
		})
		var pos mat.VecDense
		pos.MulVec(refined, h)
		r.XYZCalPX = [3]float64{center[0] + pos.AtVec(0), center[1] + pos.AtVec(1), 0}
	}

	crystal := &geometry.Crystal{}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			crystal.Basis[i][j] = refined.At(i, j)
		}
	}

	frame := c.Frames[0]
	experiments := geometry.ExperimentList{{
		Detector:   c.Detector,
		Beam:       c.Beam,
		Crystal:    crystal,
		ImagePath:  frame.SourcePath,
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
	}}

	return experiments, indexed, nil
}

func basisMatrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) != 2 || len(rows[0]) != 3 || len(rows[1]) != 3 {
		return nil, fmt.Errorf("indexing.basis must be a 2x3 matrix")
	}
	return mat.NewDense(2, 3, []float64{
		rows[0][0], rows[0][1], rows[0][2],
		rows[1][0], rows[1][1], rows[1][2],
	}), nil
}

func svdRank(svd *mat.SVD) int {
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	rank := 0
	for _, v := range values {
		if v > 1e-10*values[0] {
			rank++
		}
	}
	return rank
}

// refineBasis least-squares refits the basis against the accepted index
// assignments: minimize ||H^T B^T - D^T|| over B, via the minimum-norm SVD
// solution. Falls back to the input basis when the system is degenerate.
func refineBasis(basis *mat.Dense, hCols, dCols []float64, n int) (*mat.Dense, error) {
	ht := mat.NewDense(n, 3, hCols)
	dt := mat.NewDense(n, 2, dCols)

	var svd mat.SVD
	if !svd.Factorize(ht, mat.SVDThin) {
		return basis, nil
	}
	rank := svdRank(&svd)
	if rank == 0 {
		return basis, nil
	}

	var bt mat.Dense
	svd.SolveTo(&bt, dt, rank)

	refined := mat.NewDense(2, 3, nil)
	refined.CloneFrom(bt.T())
	return refined, nil
}
