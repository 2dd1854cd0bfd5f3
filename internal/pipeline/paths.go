package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xtal-tools/stillsproc/internal/config"
)

// OutputPaths holds the fully resolved per-unit output paths. Paths are
// resolved once per unit into this structure; the shared configuration's
// templates are never rewritten in place, so concurrent workers can share a
// configuration snapshot without racing on its fields.
type OutputPaths struct {
	Imageset           string
	Strong             string
	Indexed            string
	RefinedExperiments string
	Integrated         string

	// IntegrationSummary stays a template (%d experiment index, %s tag);
	// it is resolved per experiment by the result writer.
	IntegrationSummary string
	OutputDir          string
}

// ResolvePaths substitutes the unit tag into every filename template and
// joins the result under the output directory. An empty template disables
// that artifact; a non-empty template without a %s placeholder is a
// configuration error, since every unit would resolve to the same file.
func ResolvePaths(out config.OutputParams, tag string) (OutputPaths, error) {
	sub := "idx-" + tag
	paths := OutputPaths{
		IntegrationSummary: out.IntegrationSummary,
		OutputDir:          out.OutputDir,
	}

	templates := []struct {
		name     string
		template string
		dst      *string
	}{
		{"imageset_filename", out.ImagesetFilename, &paths.Imageset},
		{"strong_filename", out.StrongFilename, &paths.Strong},
		{"indexed_filename", out.IndexedFilename, &paths.Indexed},
		{"refined_experiments_filename", out.RefinedExperimentsFilename, &paths.RefinedExperiments},
		{"integrated_filename", out.IntegratedFilename, &paths.Integrated},
	}
	for _, t := range templates {
		resolved, err := resolveTemplate(out.OutputDir, t.name, t.template, sub)
		if err != nil {
			return OutputPaths{}, err
		}
		*t.dst = resolved
	}

	if s := out.IntegrationSummary; s != "" && (!strings.Contains(s, "%d") || !strings.Contains(s, "%s")) {
		return OutputPaths{}, fmt.Errorf("output.integration_summary template %q needs %%d and %%s placeholders", s)
	}

	return paths, nil
}

// ValidateTemplates checks every output filename template once, so a broken
// template fails the run at startup instead of per unit.
func ValidateTemplates(out config.OutputParams) error {
	_, err := ResolvePaths(out, "tag")
	return err
}

func resolveTemplate(dir, name, template, sub string) (string, error) {
	if template == "" {
		return "", nil
	}
	if !strings.Contains(template, "%s") {
		return "", fmt.Errorf("output.%s template %q needs a %%s placeholder", name, template)
	}
	return filepath.Join(dir, fmt.Sprintf(template, sub)), nil
}
