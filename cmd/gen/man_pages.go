package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/tether/internal/meta"
)

var manDir string

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for every tether command",
	Long: `Generate man pages for every tether command

Usage
	tether gen man --dir /usr/local/share/man/man1
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(manDir, 0o750); err != nil {
			return fmt.Errorf("Failed to create %s: %w", manDir, err)
		}

		return WriteManPages(cmd.Root(), manDir)
	},
}

// WriteManPages writes one page per command under root to dir.
func WriteManPages(root *cobra.Command, dir string) error {
	root.DisableAutoGenTag = true

	header := &doc.GenManHeader{
		Section: "1",
		Manual:  "Tether Manual",
		Source:  meta.GetInfo().String(),
	}

	return doc.GenManTree(root, header, dir)
}

func init() {
	flags := ManPagesCmd.Flags()

	flags.StringVar(&manDir, "dir", "man", "The directory to write the man pages to")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
