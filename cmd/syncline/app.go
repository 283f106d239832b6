package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/events"
	"github.com/syncline-io/syncline/internal/extract"
	"github.com/syncline-io/syncline/internal/load"
	"github.com/syncline-io/syncline/internal/pipeline"
	"github.com/syncline-io/syncline/internal/schedule"
	"github.com/syncline-io/syncline/internal/state"
	"github.com/syncline-io/syncline/internal/state/memory"
	"github.com/syncline-io/syncline/internal/state/postgres"
	"github.com/syncline-io/syncline/internal/state/sqlite"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}

	return cfg, nil
}

// openStore opens the configured state backend.
func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.State.Driver {
	case "sqlite":
		return sqlite.New(cfg.State.Path)
	case "postgres":
		return postgres.New(cfg.State.DSN)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}
}

// buildScheduler wires the full pipeline behind the run scheduler. The
// returned cleanup closes every connection the wiring opened; the store is
// the caller's to close.
func buildScheduler(cfg *config.Config, st state.Store) (*schedule.Scheduler, func(), error) {
	tables, err := pipeline.CompileTables(cfg.Tables)
	if err != nil {
		return nil, nil, err
	}

	ex, err := extract.New(cfg.Source, cfg.Sync.Retry)
	if err != nil {
		return nil, nil, err
	}

	ld, err := load.New(cfg.Target, cfg.Sync.Retry)
	if err != nil {
		_ = ex.Close()

		return nil, nil, err
	}

	em := events.New(cfg.Events)
	orch := pipeline.New(cfg, tables, st, pipeline.NewSource(ex), ld, em)

	sched, err := schedule.New(cfg, orch)
	if err != nil {
		_ = em.Close()
		_ = ld.Close()
		_ = ex.Close()

		return nil, nil, err
	}

	cleanup := func() {
		_ = em.Close()
		_ = ld.Close()
		_ = ex.Close()
	}

	return sched, cleanup, nil
}

// confirm prompts for a yes/no answer on stdin. The skip flag (--yes)
// bypasses it.
func confirm(prompt string, skip bool) bool {
	if skip {
		return true
	}

	fmt.Printf("%s (y/N): ", prompt)

	reader := bufio.NewReader(os.Stdin)

	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}
