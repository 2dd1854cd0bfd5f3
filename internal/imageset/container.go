package imageset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xtal-tools/stillsproc/internal/geometry"
)

// Container is one loaded image file: its frames plus the geometry models
// from the image header (or nominal defaults for header-less formats).
type Container struct {
	Frames     []*Frame
	Detector   *geometry.Detector
	Beam       *geometry.Beam
	SourcePath string
}

// Split breaks a multi-frame container into single-frame containers, each
// with its own copy of the detector model. Downstream stages assume
// single-frame units.
func (c *Container) Split() []*Container {
	out := make([]*Container, 0, len(c.Frames))
	for _, frame := range c.Frames {
		out = append(out, &Container{
			Frames:     []*Frame{frame},
			Detector:   c.Detector.Clone(),
			Beam:       c.Beam,
			SourcePath: c.SourcePath,
		})
	}
	return out
}

// SetDetector overrides the container's detector with a copy of the given
// model, preserving the native image size.
func (c *Container) SetDetector(d *geometry.Detector) {
	override := d.Clone()
	if len(c.Frames) > 0 {
		override.ImageSize = [2]int{c.Frames[0].Width, c.Frames[0].Height}
	}
	c.Detector = override
}

// manifest is the on-disk JSON form of a container: geometry plus frame
// references back into the source file.
type manifest struct {
	SourcePath string             `json:"source_path"`
	Detector   *geometry.Detector `json:"detector"`
	Beam       *geometry.Beam     `json:"beam"`
	Frames     []manifestFrame    `json:"frames"`
}

type manifestFrame struct {
	Index     int    `json:"index"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Dump writes the container manifest to a JSON file.
func (c *Container) Dump(path string) error {
	doc := manifest{
		SourcePath: c.SourcePath,
		Detector:   c.Detector,
		Beam:       c.Beam,
	}
	for _, frame := range c.Frames {
		doc.Frames = append(doc.Frames, manifestFrame{
			Index:     frame.Index,
			Width:     frame.Width,
			Height:    frame.Height,
			Timestamp: frame.Timestamp,
		})
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create imageset manifest: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode imageset manifest: %w", err)
	}
	return nil
}

// loadManifest reads a container manifest and re-reads the referenced
// frames from the source file.
func loadManifest(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read imageset manifest: %w", err)
	}

	var doc manifest
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse imageset manifest %s: %w", path, err)
	}

	source, err := Load(doc.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest source: %w", err)
	}

	container := &Container{
		Detector:   doc.Detector,
		Beam:       doc.Beam,
		SourcePath: doc.SourcePath,
	}
	for _, ref := range doc.Frames {
		if ref.Index < 0 || ref.Index >= len(source.Frames) {
			return nil, fmt.Errorf("manifest %s references frame %d, source has %d", path, ref.Index, len(source.Frames))
		}
		container.Frames = append(container.Frames, source.Frames[ref.Index])
	}
	return container, nil
}
