package stages

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/xtal-tools/stillsproc/internal/config"
	"github.com/xtal-tools/stillsproc/internal/imageset"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// ThresholdSpotFinder labels pixels above mean + threshold*sigma and groups
// them into 4-connected components. Component centroids are
// intensity-weighted.
type ThresholdSpotFinder struct{}

// Find detects strong spots on the container's single frame.
func (s *ThresholdSpotFinder) Find(c *imageset.Container, params *config.Params) (*reflections.Table, error) {
	if len(c.Frames) != 1 {
		return nil, fmt.Errorf("spot finding expects a single-frame unit, got %d frames", len(c.Frames))
	}
	frame := c.Frames[0]
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame in %s", frame.SourcePath)
	}

	mean, std := stat.MeanStdDev(frame.Data, nil)
	cut := mean + params.SpotFinding.Threshold*std

	table := &reflections.Table{HasSummation: true}
	visited := make([]bool, len(frame.Data))

	for start := range frame.Data {
		if visited[start] || frame.Data[start] <= cut {
			continue
		}

		// Flood fill one connected component.
		var pixels []int
		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pixels = append(pixels, idx)

			x, y := idx%frame.Width, idx/frame.Width
			for _, n := range [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= frame.Width || ny >= frame.Height {
					continue
				}
				nidx := ny*frame.Width + nx
				if !visited[nidx] && frame.Data[nidx] > cut {
					visited[nidx] = true
					stack = append(stack, nidx)
				}
			}
		}

		if len(pixels) < params.SpotFinding.MinSpotSize || len(pixels) > params.SpotFinding.MaxSpotSize {
			continue
		}

		table.Append(s.makeReflection(frame, pixels, params))
	}

	return table, nil
}

func (s *ThresholdSpotFinder) makeReflection(frame *imageset.Frame, pixels []int, params *config.Params) reflections.Reflection {
	var sum, cx, cy float64
	x0, x1 := frame.Width, 0
	y0, y1 := frame.Height, 0
	for _, idx := range pixels {
		x, y := idx%frame.Width, idx/frame.Width
		v := frame.Data[idx]
		sum += v
		cx += v * (float64(x) + 0.5)
		cy += v * (float64(y) + 0.5)
		if x < x0 {
			x0 = x
		}
		if x+1 > x1 {
			x1 = x + 1
		}
		if y < y0 {
			y0 = y
		}
		if y+1 > y1 {
			y1 = y + 1
		}
	}

	r := reflections.Reflection{
		ExperimentID: -1, // not yet assigned to an experiment
		Flags:        reflections.Strong,
		XYZObsPX: [3]float64{
			cx / sum,
			cy / sum,
			// Raw z from the frame position; the processor collapses it.
			float64(frame.Index) + 0.5,
		},
		Bbox:         [6]int{x0, x1, y0, y1, frame.Index, frame.Index + 1},
		IntensitySum: reflections.Intensity{Value: sum, Variance: sum},
	}

	if params.Output.Shoeboxes {
		r.Shoebox = cutShoebox(frame, r.Bbox)
	}
	return r
}

func cutShoebox(frame *imageset.Frame, bbox [6]int) []float64 {
	out := make([]float64, 0, (bbox[1]-bbox[0])*(bbox[3]-bbox[2]))
	for y := bbox[2]; y < bbox[3]; y++ {
		for x := bbox[0]; x < bbox[1]; x++ {
			out = append(out, frame.At(x, y))
		}
	}
	return out
}
