package pipeline

import (
	"time"

	"github.com/syncline-io/syncline/internal/state"
)

type (
	// Options selects and shapes one run.
	Options struct {
		// Tables filters the run to the named source tables. Empty runs all.
		Tables []string

		// Full ignores checkpoints and rescans every table from the start.
		Full bool

		// NoResume discards the cursor of an interrupted run and redoes the
		// table from the start instead of resuming mid-window. Tables whose
		// last run completed keep their cursor.
		NoResume bool
	}

	// TableReport is the outcome of one table's sync.
	TableReport struct {
		Table     string
		Status    state.RunStatus
		Extracted int64
		Loaded    int64
		Failed    int64
		Deleted   int64
		Duration  time.Duration
		Err       error
	}

	// RunReport aggregates a whole run.
	RunReport struct {
		RunID      string
		StartedAt  time.Time
		FinishedAt time.Time
		Tables     []*TableReport
	}
)

// Failed reports whether any table ended in failure.
func (r *RunReport) Failed() bool {
	for _, t := range r.Tables {
		if t.Status == state.StatusFailed {
			return true
		}
	}

	return false
}

// Totals sums the per-table counters.
func (r *RunReport) Totals() (extracted, loaded, failed, deleted int64) {
	for _, t := range r.Tables {
		extracted += t.Extracted
		loaded += t.Loaded
		failed += t.Failed
		deleted += t.Deleted
	}

	return extracted, loaded, failed, deleted
}
