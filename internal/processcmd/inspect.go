package processcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/reflections"
)

// NewInspectCmd creates the inspect command
func NewInspectCmd() *cobra.Command {
	var reflectionsPath string
	var experimentsPath string
	var limit int
	var indexedOnly bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect reflection tables and experiment models",
		Long: `Inspect the per-unit result artifacts written by the process command.

This command is useful for checking what a run produced: how many spots were
found, indexed and integrated, their intensities and positional residuals, and
the refined crystal model.`,
		Example: `  # Summarize an integrated reflection table
  stillsproc inspect --reflections ./results/idx-still_00001_integrated.parquet

  # Show the first 20 reflections alongside the experiment models
  stillsproc inspect --reflections ./results/idx-still_00001_indexed.parquet \
    --experiments ./results/idx-still_00001_refined_experiments.json --limit 20

  # Only indexed reflections
  stillsproc inspect --reflections ./results/idx-still_00001_strong.parquet --indexed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reflectionsPath == "" && experimentsPath == "" {
				return fmt.Errorf("--reflections or --experiments is required")
			}

			if experimentsPath != "" {
				if err := inspectExperiments(experimentsPath); err != nil {
					return err
				}
			}
			if reflectionsPath != "" {
				if err := inspectReflections(reflectionsPath, limit, indexedOnly); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reflectionsPath, "reflections", "", "Path to a reflection parquet file")
	cmd.Flags().StringVar(&experimentsPath, "experiments", "", "Path to an experiments JSON file")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of reflections to print (0 for none, -1 for all)")
	cmd.Flags().BoolVar(&indexedOnly, "indexed", false, "Only show indexed reflections")

	return cmd
}

func inspectExperiments(path string) error {
	experiments, err := geometry.LoadList(path)
	if err != nil {
		return err
	}

	fmt.Printf("Loaded %d experiment(s) from %s\n", len(experiments), path)
	fmt.Println(strings.Repeat("=", 80))

	for i, expt := range experiments {
		fmt.Printf("EXPERIMENT %d\n", i)
		fmt.Println(strings.Repeat("-", 80))
		if expt.ImagePath != "" {
			fmt.Printf("Image:           %s (frame %d)\n", expt.ImagePath, expt.FrameIndex)
		}
		if expt.Detector != nil {
			fmt.Printf("Detector:        %dx%d px, %.4f mm/px, distance %.2f mm\n",
				expt.Detector.ImageSize[0], expt.Detector.ImageSize[1],
				expt.Detector.PixelSizeMM[0], expt.Detector.DistanceMM)
			fmt.Printf("Beam centre:     (%.2f, %.2f) px\n",
				expt.Detector.BeamCenterPX[0], expt.Detector.BeamCenterPX[1])
		}
		if expt.Beam != nil {
			fmt.Printf("Wavelength:      %.4f A\n", expt.Beam.WavelengthA)
		}
		if expt.Crystal != nil {
			fmt.Printf("Basis:           [%.3f %.3f %.3f] / [%.3f %.3f %.3f] px/index\n",
				expt.Crystal.Basis[0][0], expt.Crystal.Basis[0][1], expt.Crystal.Basis[0][2],
				expt.Crystal.Basis[1][0], expt.Crystal.Basis[1][1], expt.Crystal.Basis[1][2])
			if fit := expt.Crystal.ProfileFit; fit != nil {
				fmt.Printf("Profile model:   domain size %.1f A, half mosaicity %.4f deg\n",
					fit.DomainSizeAng, fit.HalfMosaicityDeg)
			}
		}
		fmt.Println()
	}
	return nil
}

func inspectReflections(path string, limit int, indexedOnly bool) error {
	table, err := reflections.LoadParquet(path)
	if err != nil {
		return err
	}
	if indexedOnly {
		table = table.Select(func(r *reflections.Reflection) bool {
			return r.Has(reflections.Indexed)
		})
	}

	fmt.Printf("Loaded %d reflection(s) from %s\n", table.Len(), path)
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("Strong:          %d\n", table.Count(func(r *reflections.Reflection) bool { return r.Has(reflections.Strong) }))
	fmt.Printf("Indexed:         %d\n", table.Count(func(r *reflections.Reflection) bool { return r.Has(reflections.Indexed) }))
	fmt.Printf("Integrated sum:  %d\n", table.Count(func(r *reflections.Reflection) bool { return r.Has(reflections.IntegratedSum) }))
	if table.HasProfile {
		fmt.Printf("Profile fitted:  %d\n", table.Count(func(r *reflections.Reflection) bool { return r.Has(reflections.Integrated) }))
	}
	if rmsd := reflections.RMSD2D(table); rmsd > 0 {
		fmt.Printf("RMSD (obs-cal):  %.4f px\n", rmsd)
	}
	fmt.Println()

	if limit == 0 {
		return nil
	}

	n := table.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		r := &table.Reflections[i]
		fmt.Printf("REFLECTION %d/%d\n", i+1, table.Len())
		fmt.Println(strings.Repeat("-", 80))
		fmt.Printf("Experiment:      %d\n", r.ExperimentID)
		fmt.Printf("Miller index:    (%d, %d, %d)\n", r.MillerIndex[0], r.MillerIndex[1], r.MillerIndex[2])
		fmt.Printf("Observed:        (%.2f, %.2f) px\n", r.XYZObsPX[0], r.XYZObsPX[1])
		fmt.Printf("Calculated:      (%.2f, %.2f) px\n", r.XYZCalPX[0], r.XYZCalPX[1])
		if table.HasSummation {
			fmt.Printf("I(sum):          %.2f +/- %.2f  (I/sigI %.2f)\n",
				r.IntensitySum.Value, r.IntensitySum.Variance, r.ISigI())
		}
		if r.IntensityPrf != nil {
			fmt.Printf("I(prf):          %.2f +/- %.2f\n", r.IntensityPrf.Value, r.IntensityPrf.Variance)
		}
		if table.HasBackground {
			fmt.Printf("Background:      %.2f +/- %.2f\n", r.BackgroundSum.Value, r.BackgroundSum.Variance)
		}
		fmt.Println()
	}

	if limit > 0 && table.Len() > limit {
		fmt.Printf("[... %d more reflections, raise --limit to see them ...]\n", table.Len()-limit)
	}
	return nil
}
