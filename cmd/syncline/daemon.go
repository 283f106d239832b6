package main

import (
	"context"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cron scheduler foreground",
	Long: `Run the scheduler foreground, firing sync runs per the configured
schedules until SIGINT or SIGTERM.

Fires that land while a run is still in flight are discarded, never queued,
so a run that overruns its period cannot build a backlog.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	sched, cleanup, err := buildScheduler(cfg, st)
	if err != nil {
		return err
	}

	defer cleanup()

	return sched.Daemon(context.Background())
}
