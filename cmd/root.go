package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stillsproc",
		Short: "Batch processing driver for serial crystallography still images",
		Long: `Stillsproc processes still diffraction images in bulk.

Each image is run independently through spot finding, indexing, refinement and
integration, with per-image result artifacts and failure isolation: one bad
frame never aborts the batch.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	// Add subcommands
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newInspectCmd())

	return cmd
}
