package gen

import (
	"github.com/spf13/cobra"
)

// RootCmd groups generators for the files we ship next to the binary.
var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate man pages and a sample config",
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
	RootCmd.AddCommand(ConfigCmd)
}
