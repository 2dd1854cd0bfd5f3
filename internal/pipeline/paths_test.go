package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/xtal-tools/stillsproc/internal/config"
)

func TestResolvePaths(t *testing.T) {
	out := config.Default().Output
	out.OutputDir = "/results"

	paths, err := ResolvePaths(out, "shot_00042")
	if err != nil {
		t.Fatalf("ResolvePaths failed: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"imageset", paths.Imageset, filepath.Join("/results", "idx-shot_00042_imageset.json")},
		{"strong", paths.Strong, filepath.Join("/results", "idx-shot_00042_strong.parquet")},
		{"indexed", paths.Indexed, filepath.Join("/results", "idx-shot_00042_indexed.parquet")},
		{"refined", paths.RefinedExperiments, filepath.Join("/results", "idx-shot_00042_refined_experiments.json")},
		{"integrated", paths.Integrated, filepath.Join("/results", "idx-shot_00042_integrated.parquet")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, tt.got)
		}
	}

	// The integration summary is resolved per experiment later; it stays a
	// template here.
	if paths.IntegrationSummary != "int-%d-%s.json" {
		t.Errorf("Integration summary template rewritten: %q", paths.IntegrationSummary)
	}
	if paths.OutputDir != "/results" {
		t.Errorf("Expected output dir /results, got %q", paths.OutputDir)
	}
}

func TestResolvePathsEmptyTemplateDisables(t *testing.T) {
	out := config.Default().Output
	out.StrongFilename = ""
	out.ImagesetFilename = ""

	paths, err := ResolvePaths(out, "shot")
	if err != nil {
		t.Fatalf("ResolvePaths failed: %v", err)
	}

	if paths.Strong != "" {
		t.Errorf("Empty template should disable the artifact, got %q", paths.Strong)
	}
	if paths.Imageset != "" {
		t.Errorf("Empty template should disable the artifact, got %q", paths.Imageset)
	}
	if paths.Indexed == "" {
		t.Error("Other artifacts should stay enabled")
	}
}

func TestResolvePathsRejectsMissingPlaceholder(t *testing.T) {
	// A fixed filename would make every unit overwrite the same file.
	out := config.Default().Output
	out.StrongFilename = "strong.parquet"

	if _, err := ResolvePaths(out, "shot"); err == nil {
		t.Errorf("Expected error for template without %%s placeholder, got nil")
	}

	out = config.Default().Output
	out.IntegrationSummary = "int.json"

	if _, err := ResolvePaths(out, "shot"); err == nil {
		t.Error("Expected error for integration summary template without placeholders, got nil")
	}
}

func TestValidateTemplates(t *testing.T) {
	out := config.Default().Output
	if err := ValidateTemplates(out); err != nil {
		t.Errorf("Default templates should validate, got %v", err)
	}

	out.IntegratedFilename = "all.parquet"
	if err := ValidateTemplates(out); err == nil {
		t.Errorf("Expected error for template without %%s placeholder, got nil")
	}
}

func TestResolvePathsDoesNotMutateConfig(t *testing.T) {
	out := config.Default().Output
	before := out.StrongFilename

	_, _ = ResolvePaths(out, "tag_a")
	_, _ = ResolvePaths(out, "tag_b")

	if out.StrongFilename != before {
		t.Errorf("Template mutated from %q to %q", before, out.StrongFilename)
	}
}
