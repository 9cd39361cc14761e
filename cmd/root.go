package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/tether/cmd/gen"
)

// Path to an optional TOML config file
var configPath string

var RootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Binary RPC over TCP",
	Long: `Tether multiplexes commands, requests and responses over a single TCP
connection between two peers.

It ships with a small key value service to try it out.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a TOML config file, defaults to $TETHER_CONFIG")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(ProbeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
