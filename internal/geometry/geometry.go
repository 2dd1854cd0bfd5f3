package geometry

import (
	"encoding/json"
	"fmt"
	"os"
)

// Detector describes one flat panel detector.
type Detector struct {
	Name         string     `json:"name"`
	PixelSizeMM  [2]float64 `json:"pixel_size_mm"`
	ImageSize    [2]int     `json:"image_size"` // fast (x), slow (y)
	DistanceMM   float64    `json:"distance_mm"`
	BeamCenterPX [2]float64 `json:"beam_center_px"`
	Gain         float64    `json:"gain"`

	// BadRegions are rectangles of masked or dead pixels. Reflections whose
	// foreground overlaps one are flagged during integration.
	BadRegions []Rect `json:"bad_regions,omitempty"`
}

// Rect is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
type Rect struct {
	X0 int `json:"x0"`
	X1 int `json:"x1"`
	Y0 int `json:"y0"`
	Y1 int `json:"y1"`
}

// Clone returns a deep copy of the detector.
func (d *Detector) Clone() *Detector {
	out := *d
	out.BadRegions = append([]Rect(nil), d.BadRegions...)
	return &out
}

// IsBadPixel reports whether pixel (x, y) falls in a masked region or
// outside the panel.
func (d *Detector) IsBadPixel(x, y int) bool {
	if x < 0 || y < 0 || x >= d.ImageSize[0] || y >= d.ImageSize[1] {
		return true
	}
	for _, r := range d.BadRegions {
		if x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1 {
			return true
		}
	}
	return false
}

// Beam describes the incident beam.
type Beam struct {
	WavelengthA float64 `json:"wavelength_a"`
}

// ProfileFitSummary carries the profile model parameters estimated during
// integration. It is only present on crystals that went through profile
// modelling.
type ProfileFitSummary struct {
	DomainSizeAng    float64 `json:"domain_size_ang"`
	HalfMosaicityDeg float64 `json:"half_mosaicity_deg"`
}

// Crystal is the indexed lattice model for one still. Basis is the 2x3
// projection of the reciprocal basis onto the detector plane in pixels per
// miller index step.
type Crystal struct {
	Basis      [2][3]float64      `json:"basis"`
	ProfileFit *ProfileFitSummary `json:"profile_fit,omitempty"`
}

// Experiment ties together the models for one still image.
type Experiment struct {
	Detector   *Detector `json:"detector"`
	Beam       *Beam     `json:"beam"`
	Crystal    *Crystal  `json:"crystal,omitempty"`
	ImagePath  string    `json:"image_path,omitempty"`
	FrameIndex int       `json:"frame_index"`
	Timestamp  string    `json:"timestamp,omitempty"`
}

// ExperimentList is an ordered collection of experiments. For stills it
// usually holds exactly one entry.
type ExperimentList []*Experiment

type experimentListDoc struct {
	Experiments ExperimentList `json:"experiments"`
}

// WriteList serializes the experiments to a JSON file.
func WriteList(path string, experiments ExperimentList) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create experiments file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(experimentListDoc{Experiments: experiments}); err != nil {
		return fmt.Errorf("failed to encode experiments: %w", err)
	}
	return nil
}

// LoadList reads an experiment list from a JSON file.
func LoadList(path string) (ExperimentList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiments file: %w", err)
	}

	var doc experimentListDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse experiments file %s: %w", path, err)
	}
	return doc.Experiments, nil
}

// LoadReference loads a reference geometry file and returns its single
// detector model. The file must hold exactly one detector; anything else is
// a configuration error that aborts the run before scheduling.
func LoadReference(path string) (*Detector, error) {
	experiments, err := LoadList(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't load geometry file %s: %w", path, err)
	}

	var detectors []*Detector
	for _, expt := range experiments {
		if expt.Detector == nil {
			continue
		}
		detectors = append(detectors, expt.Detector)
	}
	if len(detectors) != 1 {
		return nil, fmt.Errorf("reference geometry %s must contain exactly one detector, found %d", path, len(detectors))
	}

	return detectors[0].Clone(), nil
}
