// Package reflections holds the observation tables that flow between
// pipeline stages: strong spots from spot finding, indexed reflections from
// indexing and integrated reflections from integration.
package reflections

// Flag marks the processing state of a single reflection.
type Flag uint32

const (
	// Strong marks a spot-finder observation.
	Strong Flag = 1 << iota
	// Predicted marks a position predicted from the experiment models.
	Predicted
	// Indexed marks an observation assigned a miller index.
	Indexed
	// Integrated marks a successfully profile-fitted reflection.
	Integrated
	// IntegratedSum marks a successfully summation-integrated reflection.
	IntegratedSum
	// ForegroundIncludesBadPixels marks reflections whose foreground region
	// overlapped a masked or dead detector pixel.
	ForegroundIncludesBadPixels
)

// Intensity is a measured value with its variance.
type Intensity struct {
	Value    float64
	Variance float64
}

// Reflection is one observation. Centroids and bounding boxes are in pixel
// units; for stills the z axis is degenerate and normalized to a unit slab
// after spot finding.
type Reflection struct {
	ExperimentID int
	MillerIndex  [3]int
	XYZObsPX     [3]float64
	XYZCalPX     [3]float64
	// Bbox is x0, x1, y0, y1, z0, z1 with half-open extents.
	Bbox  [6]int
	Flags Flag

	IntensitySum  Intensity
	BackgroundSum Intensity
	// IntensityPrf is only set when the reflection was profile fitted.
	IntensityPrf *Intensity

	// Shoebox optionally keeps the raw pixel values inside Bbox.
	Shoebox []float64
}

// Has reports whether all given flags are set.
func (r *Reflection) Has(f Flag) bool {
	return r.Flags&f == f
}

// Table is an ordered reflection collection. The Has* booleans mirror column
// presence: a table without profile intensities never carried that data, as
// opposed to carrying zeros.
type Table struct {
	Reflections []Reflection

	HasSummation  bool
	HasProfile    bool
	HasBackground bool
}

// Len returns the number of reflections.
func (t *Table) Len() int {
	return len(t.Reflections)
}

// Select returns a new table holding the reflections for which pred is true.
// Column presence carries over.
func (t *Table) Select(pred func(*Reflection) bool) *Table {
	out := &Table{
		HasSummation:  t.HasSummation,
		HasProfile:    t.HasProfile,
		HasBackground: t.HasBackground,
	}
	for i := range t.Reflections {
		if pred(&t.Reflections[i]) {
			out.Reflections = append(out.Reflections, t.Reflections[i])
		}
	}
	return out
}

// Count returns how many reflections satisfy pred.
func (t *Table) Count(pred func(*Reflection) bool) int {
	n := 0
	for i := range t.Reflections {
		if pred(&t.Reflections[i]) {
			n++
		}
	}
	return n
}

// Append adds a reflection.
func (t *Table) Append(r Reflection) {
	t.Reflections = append(t.Reflections, r)
}
