package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show skyvern version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("skyvern version " + Version)
		},
	}
}
