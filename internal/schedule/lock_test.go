package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "syncline.lock")
}

func readInfo(t *testing.T, path string) lockInfo {
	t.Helper()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Unmarshal(%q) error = %v", raw, err)
	}

	return info
}

func TestLockAcquireRelease(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := lockPath(t)
	l := NewLock(path)

	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	info := readInfo(t, path)
	if info.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", info.PID, os.Getpid())
	}

	if info.StartedAt.IsZero() {
		t.Error("lock started_at should be set")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// The lock is reusable after release.
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}

	_ = l.Release()
}

func TestLockConflict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := lockPath(t)
	holder := NewLock(path)

	if err := holder.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	contender := NewLock(path)

	err := contender.Acquire()
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Acquire() error = %v, want ErrLockHeld", err)
	}

	if err := holder.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if err := contender.Acquire(); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}

	_ = contender.Release()
}

func TestLockDoubleAcquire(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	l := NewLock(lockPath(t))

	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	defer func() { _ = l.Release() }()

	if err := l.Acquire(); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrLockHeld", err)
	}
}

func TestLockReclaimsStaleFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := lockPath(t)

	// A crashed holder leaves its payload behind but no flock; the pid is
	// above the kernel's pid ceiling so it cannot be alive.
	stale, err := json.Marshal(lockInfo{PID: 99999999, Hostname: "ghost", StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if err := os.WriteFile(path, stale, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	l := NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() over stale file error = %v", err)
	}

	defer func() { _ = l.Release() }()

	if info := readInfo(t, path); info.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", info.PID, os.Getpid())
	}
}

func TestLockHeldErrorNamesHolder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := lockPath(t)
	holder := NewLock(path)

	if err := holder.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	defer func() { _ = holder.Release() }()

	err := NewLock(path).Acquire()
	if err == nil {
		t.Fatal("Acquire() should conflict")
	}

	want := fmt.Sprintf("pid %d", os.Getpid())
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error %q should contain %q", got, want)
	}
}

func TestPidAlive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if !pidAlive(os.Getpid()) {
		t.Error("pidAlive(self) = false, want true")
	}

	if pidAlive(0) {
		t.Error("pidAlive(0) = true, want false")
	}

	if pidAlive(-1) {
		t.Error("pidAlive(-1) = true, want false")
	}

	if pidAlive(99999999) {
		t.Error("pidAlive(dead) = true, want false")
	}
}
