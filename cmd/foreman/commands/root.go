// Package commands implements the foreman CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.2.0"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Task orchestration engine for AI worker agents",
	Long: `Foreman assigns tasks to AI worker agents, runs each assignment as a
multi-execution consensus round, and tracks cost and quality per agent.

Submit tasks with dependencies and required skills, hire agents backed
by catalog models, and let the daemon work through the graph.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default ~/.config/foreman/foreman.yaml)")
}
