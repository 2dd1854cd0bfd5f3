// Package imageset loads still diffraction images into self-contained
// processing units: one container per input file, one frame per exposure.
package imageset

// Frame is the pixel data for one still exposure.
type Frame struct {
	// Data is row-major, length Width*Height, in detector counts.
	Data   []float64
	Width  int
	Height int

	// SourcePath and Index identify where the frame came from: the
	// container file and the frame position within it.
	SourcePath string
	Index      int

	// Timestamp is an optional event timestamp embedded by the format
	// reader, used for output naming when no tag is available.
	Timestamp string
}

// At returns the counts at pixel (x, y). Out-of-range pixels read as 0.
func (f *Frame) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Data[y*f.Width+x]
}
