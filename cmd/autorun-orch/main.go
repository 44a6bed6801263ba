package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "autorun-orch",
		Short: "Autorun Orchestrator - Batch task runner for coding agents",
		Long: `Autorun Orchestrator drives a coding-agent CLI through markdown task
documents. It dispatches one checkbox task at a time, survives agent
failures with pause/skip/resume/abort recovery, loops over document sets,
and records run history, notifications and pull requests.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
