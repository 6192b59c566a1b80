// Package cli implements the skyvern command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "skyvern",
	Short: "Browser automation execution core",
	Long: `skyvern executes goal-directed browser automations.

A task is a navigation goal on a starting URL; the engine scrapes the
page, asks the decision oracle for actions and executes them until the
goal is reached. Workflows chain tasks with control-flow blocks and
share one browser session per run.

Quick start:
  skyvern serve               Start the API server
  skyvern version             Show the version`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is env + built-ins)")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkflowCmd())
	rootCmd.AddCommand(newVersionCmd())
}
