// Package schedule fires sync runs on cron triggers under a single-writer
// lock. The lock serializes runs across processes: the daemon and a manually
// invoked sync share it, so at most one run is ever in flight.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/syncline-io/syncline/internal/config"
)

// ErrLockHeld is returned when another process owns the scheduler lock.
var ErrLockHeld = errors.New("scheduler lock held")

type (
	// Lock is an advisory file lock. The kernel releases a flock when its
	// holder dies, so a crashed run never wedges the scheduler; the JSON
	// payload identifies the holder for diagnostics and stale detection.
	Lock struct {
		path   string
		f      *os.File
		logger *slog.Logger
	}

	lockInfo struct {
		PID       int       `json:"pid"`
		Hostname  string    `json:"hostname"`
		StartedAt time.Time `json:"started_at"`
	}
)

// NewLock returns an unacquired lock at path.
func NewLock(path string) *Lock {
	return &Lock{
		path: path,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Acquire takes the lock without blocking. ErrLockHeld comes back annotated
// with the holder when another process owns it.
func (l *Lock) Acquire() error {
	if l.f != nil {
		return fmt.Errorf("%w: already acquired by this process", ErrLockHeld)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	if err := flock(f); err != nil {
		holder := describeHolder(f)

		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w%s", ErrLockHeld, holder)
		}

		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	// The flock succeeded, so any payload left in the file belongs to a
	// prior holder. A dead PID means that holder terminated abruptly.
	if prev, err := readLockInfo(f); err == nil && prev.PID != os.Getpid() && !pidAlive(prev.PID) {
		l.logger.Warn("reclaiming stale scheduler lock",
			slog.String("path", l.path),
			slog.Int("stale_pid", prev.PID),
			slog.String("stale_host", prev.Hostname),
			slog.Time("stale_since", prev.StartedAt))
	}

	if err := writeLockInfo(f); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()

		return fmt.Errorf("failed to write lock file %s: %w", l.path, err)
	}

	l.f = f

	return nil
}

// Release drops the lock. The file itself stays behind; removing it would
// race a concurrent acquirer that already opened the old inode.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}

	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)

	_ = l.f.Close()
	l.f = nil

	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}

	return nil
}

func flock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// describeHolder renders the current payload for the ErrLockHeld message.
func describeHolder(f *os.File) string {
	info, err := readLockInfo(f)
	if err != nil {
		return ""
	}

	return fmt.Sprintf(" by pid %d on %s since %s",
		info.PID, info.Hostname, info.StartedAt.Format(time.RFC3339))
}

func readLockInfo(f *os.File) (lockInfo, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return lockInfo{}, err
	}

	var info lockInfo
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return lockInfo{}, err
	}

	return info, nil
}

func writeLockInfo(f *os.File) error {
	hostname, _ := os.Hostname()

	payload, err := json.Marshal(lockInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return err
	}

	if _, err := f.WriteAt(payload, 0); err != nil {
		return err
	}

	return f.Sync()
}

// pidAlive reports whether a process with the given id exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
