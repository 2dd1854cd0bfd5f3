package cmd

import (
	"github.com/spf13/cobra"
	"github.com/xtal-tools/stillsproc/internal/processcmd"
)

func newProcessCmd() *cobra.Command {
	return processcmd.NewProcessCmd()
}
