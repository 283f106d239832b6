package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/pipeline"
)

// Sentinel errors for scheduler construction and operation.
var (
	// ErrInvalidSchedule is returned when a schedule entry's cron expression
	// does not parse.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNoSchedules is returned when the daemon starts with nothing to run.
	ErrNoSchedules = errors.New("no enabled schedules")
)

// State is the scheduler's position in its run cycle.
type State int32

// Scheduler states, in cycle order.
const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

type (
	// Runner starts one sync round. Implemented by pipeline.Orchestrator.
	Runner interface {
		Run(ctx context.Context, opts pipeline.Options) (*pipeline.RunReport, error)
	}

	// entry is one compiled schedule trigger.
	entry struct {
		id    string
		sched cron.Schedule
		opts  pipeline.Options
		next  time.Time
	}

	// Scheduler owns the cron loop and the run lock. Fires are coalesced:
	// a trigger that lands while a run is in flight is discarded, never
	// queued, so a chronically slow run accumulates at most one deferred
	// fire.
	Scheduler struct {
		entries []*entry
		lock    *Lock
		runner  Runner
		logger  *slog.Logger
		state   atomic.Int32
	}
)

// New compiles the configured schedule entries. Cron expressions use the
// standard five fields plus descriptors such as @hourly and @every 30s.
// Disabled entries are dropped here.
func New(cfg *config.Config, runner Runner) (*Scheduler, error) {
	s := &Scheduler{
		lock:   NewLock(cfg.Scheduler.LockFile),
		runner: runner,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, e := range cfg.Schedules {
		if !e.IsEnabled() {
			s.logger.Debug("schedule disabled", slog.String("schedule", e.ID))

			continue
		}

		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: cron %q: %w", ErrInvalidSchedule, e.ID, e.Cron, err)
		}

		s.entries = append(s.entries, &entry{
			id:    e.ID,
			sched: sched,
			opts:  pipeline.Options{Tables: e.Tables, Full: e.FullSync},
		})
	}

	return s, nil
}

// State reports where the scheduler is in its run cycle.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// RunOnce executes one sync round under the run lock. Both the daemon's
// cron fires and a manually invoked sync come through here; ErrLockHeld
// means another run is in flight and this one should be reported as
// skipped, not failed.
func (s *Scheduler) RunOnce(ctx context.Context, opts pipeline.Options) (*pipeline.RunReport, error) {
	s.setState(StateAcquiring)

	if err := s.lock.Acquire(); err != nil {
		s.setState(StateIdle)

		return nil, err
	}

	s.setState(StateRunning)

	report, err := s.runner.Run(ctx, opts)

	s.setState(StateReleasing)

	if rerr := s.lock.Release(); rerr != nil {
		s.logger.Error("failed to release run lock", slog.String("error", rerr.Error()))
	}

	s.setState(StateIdle)

	return report, err
}

// Daemon runs the scheduler foreground until the context is cancelled or a
// termination signal arrives. An in-flight run sees the cancellation and
// finishes its current batch before stopping.
func (s *Scheduler) Daemon(ctx context.Context) error {
	if len(s.entries) == 0 {
		return ErrNoSchedules
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	go func() {
		select {
		case sig := <-stop:
			s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	now := time.Now()

	for _, e := range s.entries {
		e.next = e.sched.Next(now)

		s.logger.Info("schedule armed",
			slog.String("schedule", e.id),
			slog.Time("next_fire", e.next))
	}

	s.logger.Info("scheduler started", slog.Int("schedules", len(s.entries)))

	for {
		timer := time.NewTimer(time.Until(s.earliestNext()))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")

			return nil
		case <-timer.C:
			s.fireDue(ctx, time.Now())
		}
	}
}

// fireDue runs every entry whose fire time has passed. Entries run
// sequentially; fires missed while a run is in flight collapse into the run
// that just finished, and the next fire is computed from the clock after it.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}

		if e.next.After(now) {
			continue
		}

		s.logger.Info("schedule fired", slog.String("schedule", e.id))

		report, err := s.RunOnce(ctx, e.opts)

		switch {
		case errors.Is(err, ErrLockHeld):
			s.logger.Warn("run skipped, lock is held",
				slog.String("schedule", e.id),
				slog.String("holder", err.Error()))
		case err != nil:
			s.logger.Error("scheduled run failed",
				slog.String("schedule", e.id),
				slog.String("error", err.Error()))
		default:
			s.logger.Debug("scheduled run finished",
				slog.String("schedule", e.id),
				slog.String("run_id", report.RunID))
		}

		e.next = e.sched.Next(time.Now())
	}
}

func (s *Scheduler) earliestNext() time.Time {
	next := s.entries[0].next

	for _, e := range s.entries[1:] {
		if e.next.Before(next) {
			next = e.next
		}
	}

	return next
}
