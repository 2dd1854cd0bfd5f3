package imageset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/xtal-tools/stillsproc/internal/geometry"
)

// Nominal geometry for header-less image formats. Real beamline data
// carries its geometry in the container; plain images get these defaults
// and rely on a reference geometry override.
const (
	nominalPixelSizeMM  = 0.1
	nominalDistanceMM   = 100.0
	nominalWavelengthA  = 1.0
	nominalDetectorGain = 1.0
)

// Load reads an image container. The format is chosen by extension:
// single-frame raster images (.png, .jpg, .gif), multi-frame parquet stacks
// (.parquet), or a previously dumped container manifest (.json).
func Load(path string) (*Container, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return loadParquet(path)
	case ".json":
		return loadManifest(path)
	case ".png", ".jpg", ".jpeg", ".gif":
		return loadImage(path)
	default:
		return nil, fmt.Errorf("unsupported image format: %s (supported: .png, .jpg, .gif, .parquet, .json)", path)
	}
}

// loadImage decodes a single raster image into a one-frame container.
func loadImage(path string) (*Container, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	frame := &Frame{
		Data:       make([]float64, width*height),
		Width:      width,
		Height:     height,
		SourcePath: path,
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Luma from the 16-bit channels, scaled back to 8-bit counts.
			frame.Data[y*width+x] = float64(19595*r+38470*g+7471*b) / 65536 / 256
		}
	}

	return &Container{
		Frames:     []*Frame{frame},
		Detector:   nominalDetector(width, height),
		Beam:       &geometry.Beam{WavelengthA: nominalWavelengthA},
		SourcePath: path,
	}, nil
}

func nominalDetector(width, height int) *geometry.Detector {
	return &geometry.Detector{
		Name:         "nominal",
		PixelSizeMM:  [2]float64{nominalPixelSizeMM, nominalPixelSizeMM},
		ImageSize:    [2]int{width, height},
		DistanceMM:   nominalDistanceMM,
		BeamCenterPX: [2]float64{float64(width) / 2, float64(height) / 2},
		Gain:         nominalDetectorGain,
	}
}

// frameRow is one frame of a parquet image stack. Geometry columns repeat
// per row; the first row wins.
type frameRow struct {
	Index     int32  `parquet:"index"`
	Width     int32  `parquet:"width"`
	Height    int32  `parquet:"height"`
	Timestamp string `parquet:"timestamp,optional"`

	PixelSizeMM  float64 `parquet:"pixel_size_mm"`
	DistanceMM   float64 `parquet:"distance_mm"`
	BeamCenterX  float64 `parquet:"beam_center_x"`
	BeamCenterY  float64 `parquet:"beam_center_y"`
	WavelengthA  float64 `parquet:"wavelength_a"`
	DetectorGain float64 `parquet:"detector_gain"`

	Pixels []float64 `parquet:"pixels,list"`
}

// loadParquet reads a multi-frame parquet image stack.
func loadParquet(path string) (*Container, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image stack: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image stack: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[frameRow](pf)
	defer reader.Close()

	container := &Container{SourcePath: path}
	rows := make([]frameRow, 16) // Read in batches

	for {
		n, err := reader.Read(rows)
		for i := 0; i < n; i++ {
			row := rows[i]
			if int(row.Width)*int(row.Height) != len(row.Pixels) {
				return nil, fmt.Errorf("frame %d in %s: %dx%d does not match %d pixels",
					row.Index, path, row.Width, row.Height, len(row.Pixels))
			}
			if container.Detector == nil {
				container.Detector = &geometry.Detector{
					Name:         filepath.Base(path),
					PixelSizeMM:  [2]float64{row.PixelSizeMM, row.PixelSizeMM},
					ImageSize:    [2]int{int(row.Width), int(row.Height)},
					DistanceMM:   row.DistanceMM,
					BeamCenterPX: [2]float64{row.BeamCenterX, row.BeamCenterY},
					Gain:         row.DetectorGain,
				}
				container.Beam = &geometry.Beam{WavelengthA: row.WavelengthA}
			}
			container.Frames = append(container.Frames, &Frame{
				Data:       append([]float64(nil), row.Pixels...),
				Width:      int(row.Width),
				Height:     int(row.Height),
				SourcePath: path,
				Index:      int(row.Index),
				Timestamp:  row.Timestamp,
			})
		}
		if err != nil {
			break
		}
	}

	if container.Detector == nil {
		// Zero-frame stack: callers decide whether this is a skippable
		// warning (deferred mode) or not.
		container.Detector = nominalDetector(0, 0)
		container.Beam = &geometry.Beam{WavelengthA: nominalWavelengthA}
	}

	return container, nil
}
