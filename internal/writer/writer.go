// Package writer persists per-unit stage outputs under deterministic,
// tag-derived names.
package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// SaveReflections writes a reflection table to a parquet file.
func SaveReflections(log *slog.Logger, path string, t *reflections.Table) error {
	log.Info("Saving reflections", "count", t.Len(), "path", path)
	return reflections.SaveParquet(path, t)
}

// SaveExperiments writes the experiment models to a JSON file.
func SaveExperiments(log *slog.Logger, path string, experiments geometry.ExperimentList) error {
	log.Info("Saving experiments", "count", len(experiments), "path", path)
	return geometry.WriteList(path, experiments)
}

// IntegrationSummary is the per-experiment result document consumed by
// downstream merging tools.
type IntegrationSummary struct {
	Tag             string                      `json:"tag"`
	ExperimentIndex int                         `json:"experiment_index"`
	ImagePath       string                      `json:"image_path,omitempty"`
	PixelSizeMM     float64                     `json:"pixel_size_mm"`
	DistanceMM      float64                     `json:"distance_mm"`
	WavelengthA     float64                     `json:"wavelength_a"`
	Basis           [2][3]float64               `json:"basis"`
	ProfileFit      *geometry.ProfileFitSummary `json:"profile_fit,omitempty"`
	NReflections    int                         `json:"n_reflections"`
	Observations    []SummaryObservation        `json:"observations"`
}

// SummaryObservation is one integrated reflection in the summary.
type SummaryObservation struct {
	MillerIndex  [3]int                 `json:"miller_index"`
	IntensitySum reflections.Intensity  `json:"intensity_sum"`
	IntensityPrf *reflections.Intensity `json:"intensity_prf,omitempty"`
	XYZCalPX     [3]float64             `json:"xyzcal_px"`
}

// WriteIntegrationSummaries writes one summary file per experiment in the
// unit's result set, named by the experiment index and the unit tag (or a
// source-derived timestamp when no tag is set). The template carries a %d
// and a %s placeholder.
func WriteIntegrationSummaries(log *slog.Logger, template, outputDir, tag string, integrated *reflections.Table, experiments geometry.ExperimentList) error {
	if template == "" {
		return nil
	}

	for e := range experiments {
		expt := experiments[e]
		sel := integrated.Select(func(r *reflections.Reflection) bool {
			return r.ExperimentID == e
		})

		doc := IntegrationSummary{
			Tag:             summaryStamp(tag, experiments, e),
			ExperimentIndex: e,
			ImagePath:       expt.ImagePath,
			NReflections:    sel.Len(),
		}
		if expt.Detector != nil {
			doc.PixelSizeMM = expt.Detector.PixelSizeMM[0]
			doc.DistanceMM = expt.Detector.DistanceMM
		}
		if expt.Beam != nil {
			doc.WavelengthA = expt.Beam.WavelengthA
		}
		if expt.Crystal != nil {
			doc.Basis = expt.Crystal.Basis
			doc.ProfileFit = expt.Crystal.ProfileFit
		}
		for i := range sel.Reflections {
			r := &sel.Reflections[i]
			doc.Observations = append(doc.Observations, SummaryObservation{
				MillerIndex:  r.MillerIndex,
				IntensitySum: r.IntensitySum,
				IntensityPrf: r.IntensityPrf,
				XYZCalPX:     r.XYZCalPX,
			})
		}

		path := filepath.Join(outputDir, fmt.Sprintf(template, e, doc.Tag))
		log.Info("Writing integration summary", "experiment", e, "count", sel.Len(), "path", path)
		if err := writeJSON(path, doc); err != nil {
			return err
		}
	}

	return nil
}

// summaryStamp picks the naming stamp: the explicit unit tag, else the
// source file's basename, else the frame's embedded timestamp.
func summaryStamp(tag string, experiments geometry.ExperimentList, e int) string {
	if tag != "" {
		return tag
	}
	if path := experiments[0].ImagePath; path != "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if strings.HasPrefix(base, "shot-") {
			base = strings.TrimSuffix(base, filepath.Ext(base))
		}
		return base
	}
	return experiments[e].Timestamp
}

func writeJSON(path string, doc any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}
