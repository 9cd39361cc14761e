package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/tether/internal/meta"
	"github.com/luma/tether/rpc"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and protocol version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		fmt.Fprintln(cmd.OutOrStdout(), info)
		fmt.Fprintf(cmd.OutOrStdout(), "protocol %s\n", rpc.DefaultVersion)

		if info.BuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "built at %s\n", info.BuildTime)
		}
	},
}
