// Package main provides the syncline CLI: manual sync runs, the scheduler
// daemon, and operator tooling for checkpoints and the failure store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Path to the runtime configuration document.
var configPath string

// ranCommand flips once argument parsing succeeds and a handler starts, so
// main can tell usage errors (exit 2) from operational failures (exit 1).
var ranCommand bool

var rootCmd = &cobra.Command{
	Use:   "syncline",
	Short: "Incremental MySQL to PostgreSQL synchronization engine",
	Long: `Syncline copies changed rows from a MySQL-family source into a
PostgreSQL-family target on a recurring schedule. Progress is checkpointed
per table, rejected rows are preserved for review, and runs are serialized
by a process-wide lock.

Examples:
  syncline sync                        # run one sync round over all tables
  syncline sync --tables orders --full # full rescan of one table
  syncline daemon                      # run the cron scheduler foreground
  syncline status                      # checkpoints, failures, recent runs
  syncline failures list --table orders`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		ranCommand = true
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("syncline v%s\n", Version)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Build Time: %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "syncline.yaml", "Path to the configuration document")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if !ranCommand {
			os.Exit(2)
		}

		os.Exit(1)
	}
}
