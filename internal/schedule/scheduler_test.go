package schedule

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/pipeline"
)

// fakeRunner records calls and can block until released to keep a run in
// flight.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []pipeline.Options
	started chan struct{}
	release chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, opts pipeline.Options) (*pipeline.RunReport, error) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	n := len(r.calls)
	r.mu.Unlock()

	if n == 1 && r.started != nil {
		close(r.started)
	}

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}

	return &pipeline.RunReport{RunID: fmt.Sprintf("run-%d", n)}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

func (r *fakeRunner) lastOpts() pipeline.Options {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[len(r.calls)-1]
}

func schedConfig(t *testing.T, entries ...config.ScheduleEntry) *config.Config {
	t.Helper()

	return &config.Config{
		Scheduler: config.SchedulerConfig{
			LockFile: filepath.Join(t.TempDir(), "syncline.lock"),
		},
		Schedules: entries,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNewCompilesEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	off := false
	cfg := schedConfig(t,
		config.ScheduleEntry{ID: "five-min", Cron: "*/5 * * * *"},
		config.ScheduleEntry{ID: "hourly", Cron: "@hourly"},
		config.ScheduleEntry{ID: "parked", Cron: "* * * * *", Enabled: &off},
	)

	s, err := New(cfg, &fakeRunner{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if len(s.entries) != 2 {
		t.Fatalf("entries = %d, want 2 (disabled entry dropped)", len(s.entries))
	}

	if s.entries[0].id != "five-min" || s.entries[1].id != "hourly" {
		t.Errorf("entry ids = %s, %s", s.entries[0].id, s.entries[1].id)
	}
}

func TestNewRejectsBadCron(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t, config.ScheduleEntry{ID: "broken", Cron: "not a cron"})

	if _, err := New(cfg, &fakeRunner{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("New() error = %v, want ErrInvalidSchedule", err)
	}
}

func TestRunOnceHoldsLockWhileRunning(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t)
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}

	s, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if _, err := s.RunOnce(context.Background(), pipeline.Options{}); err != nil {
			t.Errorf("RunOnce() error = %v", err)
		}
	}()

	waitFor(t, runner.started, "run to start")

	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %s, want running", got)
	}

	// A second process cannot start a run while this one is in flight.
	if err := NewLock(cfg.Scheduler.LockFile).Acquire(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("concurrent Acquire() error = %v, want ErrLockHeld", err)
	}

	close(runner.release)
	waitFor(t, done, "run to finish")

	if got := s.State(); got != StateIdle {
		t.Errorf("State() after run = %s, want idle", got)
	}

	// Released: the lock is free for the next run.
	l := NewLock(cfg.Scheduler.LockFile)
	if err := l.Acquire(); err != nil {
		t.Errorf("Acquire() after run error = %v", err)
	}

	_ = l.Release()
}

func TestRunOnceSkippedWhenLockHeld(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t)

	held := NewLock(cfg.Scheduler.LockFile)
	if err := held.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	defer func() { _ = held.Release() }()

	runner := &fakeRunner{}

	s, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := s.RunOnce(context.Background(), pipeline.Options{}); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("RunOnce() error = %v, want ErrLockHeld", err)
	}

	if runner.count() != 0 {
		t.Errorf("runner calls = %d, want 0", runner.count())
	}

	if got := s.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestFireDueRunsAndCoalesces(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t, config.ScheduleEntry{
		ID:       "nightly",
		Cron:     "0 3 * * *",
		Tables:   []string{"orders"},
		FullSync: true,
	})
	runner := &fakeRunner{}

	s, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Now()
	s.entries[0].next = now.Add(-time.Minute)

	s.fireDue(context.Background(), now)

	if runner.count() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.count())
	}

	opts := runner.lastOpts()
	if len(opts.Tables) != 1 || opts.Tables[0] != "orders" || !opts.Full {
		t.Errorf("run options = %+v, want orders/full", opts)
	}

	if !s.entries[0].next.After(now) {
		t.Errorf("next fire = %s, should be past %s", s.entries[0].next, now)
	}

	// The fire already ran; calling again with the same clock is a no-op.
	s.fireDue(context.Background(), now)

	if runner.count() != 1 {
		t.Errorf("runner calls after refire = %d, want 1", runner.count())
	}
}

func TestFireDueDiscardsFireWhenLockHeld(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t, config.ScheduleEntry{ID: "minutely", Cron: "* * * * *"})

	held := NewLock(cfg.Scheduler.LockFile)
	if err := held.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	defer func() { _ = held.Release() }()

	runner := &fakeRunner{}

	s, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Now()
	s.entries[0].next = now.Add(-time.Minute)

	s.fireDue(context.Background(), now)

	if runner.count() != 0 {
		t.Errorf("runner calls = %d, want 0 (fire discarded)", runner.count())
	}

	// Discarded means dropped, not queued: the next fire moves forward.
	if !s.entries[0].next.After(now) {
		t.Errorf("next fire = %s, should be past %s", s.entries[0].next, now)
	}
}

func TestDaemonRequiresSchedules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s, err := New(schedConfig(t), &fakeRunner{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Daemon(context.Background()); !errors.Is(err, ErrNoSchedules) {
		t.Fatalf("Daemon() error = %v, want ErrNoSchedules", err)
	}
}

func TestDaemonStopsOnCancel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t, config.ScheduleEntry{ID: "annual", Cron: "0 0 1 1 *"})

	s, err := New(cfg, &fakeRunner{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- s.Daemon(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Daemon() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon() did not stop on cancel")
	}
}

func TestDaemonFiresOnSchedule(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := schedConfig(t, config.ScheduleEntry{ID: "fast", Cron: "@every 1s"})
	runner := &fakeRunner{started: make(chan struct{})}

	s, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- s.Daemon(ctx) }()

	waitFor(t, runner.started, "first scheduled fire")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Daemon() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon() did not stop on cancel")
	}

	if runner.count() < 1 {
		t.Errorf("runner calls = %d, want at least 1", runner.count())
	}
}
