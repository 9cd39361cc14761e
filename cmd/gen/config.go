package gen

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/luma/tether/internal/env"
)

var (
	configOut string
	force     bool
)

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Write the default config as TOML",
	Long: `Write the default config as TOML

Usage
	tether gen config > tether.toml
	tether gen config --out /etc/tether/tether.toml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configOut == "" || configOut == "-" {
			return WriteConfig(cmd.OutOrStdout(), env.DefaultConfig())
		}

		flag := os.O_CREATE | os.O_WRONLY | os.O_EXCL
		if force {
			flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}

		f, err := os.OpenFile(configOut, flag, 0o640)
		if err != nil {
			return fmt.Errorf("Failed to open %s: %w", configOut, err)
		}
		defer f.Close()

		return WriteConfig(f, env.DefaultConfig())
	},
}

// WriteConfig encodes config as TOML that LoadConfig reads back.
func WriteConfig(w io.Writer, config env.Config) error {
	return toml.NewEncoder(w).Encode(config)
}

func init() {
	flags := ConfigCmd.Flags()

	flags.StringVarP(&configOut, "out", "o", "", "Where to write the config, stdout by default")
	flags.BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
}
