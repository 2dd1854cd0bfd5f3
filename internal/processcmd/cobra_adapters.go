package processcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xtal-tools/stillsproc/internal/config"
)

// NewProcessCmd creates the process command: the batch driver that runs
// every input image through the still-image pipeline.
func NewProcessCmd() *cobra.Command {
	var paramFile string
	var outputDir string
	var referenceGeometry string
	var method string
	var nproc int
	var rank int
	var size int
	var verbosity int
	var preImport bool

	cmd := &cobra.Command{
		Use:   "process [flags] <image-files...>",
		Short: "Process still diffraction images through find-spots, index, refine and integrate",
		Long: `Process runs each input image independently through the four-stage still
pipeline. A failure in any stage aborts only that image; the batch keeps
going and reports per-image outcomes at the end.

Images may be single-frame raster files, multi-frame parquet stacks, or
previously dumped imageset manifests. Multi-frame stacks require --pre-import
so they can be split into one unit per frame before scheduling.`,
		Example: `  # Process a directory of stills on 8 workers
  stillsproc process --nproc 8 --output-dir ./results shots/*.png

  # Distributed run: rank 2 of 16 cooperating processes
  stillsproc process --method stride --rank 2 --size 16 shots/*.parquet

  # Override every image's geometry with a reference detector model
  stillsproc process --reference-geometry detector.json shots/*.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := config.Default()
			if paramFile != "" {
				loaded, err := config.Load(paramFile)
				if err != nil {
					return err
				}
				params = loaded
			}

			// Flags win over the parameter file.
			flags := cmd.Flags()
			if flags.Changed("output-dir") {
				params.Output.OutputDir = outputDir
			}
			if flags.Changed("reference-geometry") {
				params.Input.ReferenceGeometry = referenceGeometry
			}
			if flags.Changed("method") {
				params.MP.Method = method
			}
			if flags.Changed("nproc") {
				params.MP.NProc = nproc
			}
			if flags.Changed("rank") {
				params.MP.Rank = rank
			}
			if flags.Changed("size") {
				params.MP.Size = size
			}
			if flags.Changed("verbosity") {
				params.Verbosity = verbosity
			}
			if flags.Changed("pre-import") {
				params.Dispatch.PreImport = preImport
			}

			for _, path := range args {
				if _, err := os.Stat(path); os.IsNotExist(err) {
					return fmt.Errorf("input file not found: %s", path)
				}
			}

			return executeProcess(params, args)
		},
	}

	cmd.Flags().StringVar(&paramFile, "params", "", "Path to a YAML parameter file")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Directory output files will be placed in")
	cmd.Flags().StringVar(&referenceGeometry, "reference-geometry", "", "Experiment JSON file with exactly one detector model, used instead of the image headers")
	cmd.Flags().StringVar(&method, "method", "pool", "Parallelism method (pool or stride)")
	cmd.Flags().IntVar(&nproc, "nproc", 1, "Number of pool workers")
	cmd.Flags().IntVar(&rank, "rank", 0, "Zero-based rank of this process (stride method)")
	cmd.Flags().IntVar(&size, "size", 1, "Total number of cooperating processes (stride method)")
	cmd.Flags().IntVar(&verbosity, "verbosity", 1, "Verbosity level (0=warnings, 1=info, 2=debug)")
	cmd.Flags().BoolVar(&preImport, "pre-import", false, "Load and split all containers before scheduling; required for multiple multi-frame files")

	return cmd
}
