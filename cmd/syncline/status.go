package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table checkpoints, failure stats, and recent runs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit machine-readable JSON")

	rootCmd.AddCommand(statusCmd)
}

const recentRunLimit = 10

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	ctx := context.Background()

	checkpoints, err := st.ListCheckpoints(ctx)
	if err != nil {
		return err
	}

	stats, err := st.FailureStats(ctx)
	if err != nil {
		return err
	}

	metrics, err := st.RecentMetrics(ctx, "", recentRunLimit)
	if err != nil {
		return err
	}

	if statusJSON {
		return printStatusJSON(checkpoints, stats, metrics)
	}

	printCheckpoints(checkpoints)
	printFailureStats(stats)
	printRecentRuns(metrics)

	return nil
}

func printCheckpoints(checkpoints []*state.Checkpoint) {
	fmt.Println("Checkpoints")

	if len(checkpoints) == 0 {
		fmt.Println("  no tables have synced yet")

		return
	}

	fmt.Printf("  %-24s %-10s %-32s %-12s %-20s %s\n",
		"TABLE", "STATUS", "CURSOR", "SYNCED", "LAST RUN", "LAST ERROR")

	for _, cp := range checkpoints {
		fmt.Printf("  %-24s %-10s %-32s %-12d %-20s %s\n",
			cp.TableName, colorStatus(cp.Status), cursorText(cp),
			cp.RecordsSynced, timeText(cp.LastRunAt), cp.LastError)
	}
}

func printFailureStats(stats *state.FailureStats) {
	fmt.Printf("\nFailures: %d total", stats.Total)

	for _, status := range []state.FailureStatus{
		state.FailurePending, state.FailureRetrying, state.FailureResolved, state.FailureIgnored,
	} {
		if n := stats.ByStatus[status]; n > 0 {
			fmt.Printf("  %s %d", status, n)
		}
	}

	fmt.Println()

	if stats.Total > 0 {
		for _, stage := range []state.FailureStage{state.StageTransform, state.StageValidate, state.StageLoad} {
			if n := stats.ByStage[stage]; n > 0 {
				fmt.Printf("  stage %-10s %d\n", stage, n)
			}
		}
	}

	if len(stats.ByTable) == 0 {
		return
	}

	tables := make([]string, 0, len(stats.ByTable))
	for table := range stats.ByTable {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	for _, table := range tables {
		fmt.Printf("  %-24s %d\n", table, stats.ByTable[table])
	}
}

func printRecentRuns(metrics []*state.RunMetrics) {
	fmt.Println("\nRecent runs")

	if len(metrics) == 0 {
		fmt.Println("  none recorded")

		return
	}

	fmt.Printf("  %-24s %-10s %-10s %-10s %-8s %-8s %-10s %s\n",
		"TABLE", "STATUS", "EXTRACTED", "LOADED", "FAILED", "DELETED", "TOOK", "RECORDED")

	for _, m := range metrics {
		fmt.Printf("  %-24s %-10s %-10d %-10d %-8d %-8d %-10s %s\n",
			m.TableName, colorStatus(m.Status), m.Extracted, m.Loaded,
			m.Failed, m.Deleted, (time.Duration(m.TotalMs) * time.Millisecond).String(),
			timeText(m.RecordedAt))
	}
}

func colorStatus(status state.RunStatus) string {
	switch status {
	case state.StatusCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case state.StatusFailed:
		return color.New(color.FgRed).Sprint(status)
	case state.StatusRunning:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return string(status)
	}
}

func cursorText(cp *state.Checkpoint) string {
	if !cp.HasCursor() {
		return "-"
	}

	return fmt.Sprintf("%s / %s", cp.LastTimestamp.Format(time.RFC3339), cp.LastPrimaryKey.Display())
}

func timeText(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Format("2006-01-02 15:04:05")
}

type (
	checkpointView struct {
		Table         string        `json:"table"`
		Status        string        `json:"status"`
		LastTimestamp *time.Time    `json:"last_timestamp,omitempty"`
		LastPK        *record.Value `json:"last_primary_key,omitempty"`
		RecordsSynced int64         `json:"records_synced"`
		TotalEstimate int64         `json:"total_estimate,omitempty"`
		RunID         string        `json:"run_id,omitempty"`
		LastError     string        `json:"last_error,omitempty"`
		LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	}

	failureStatsView struct {
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"by_status,omitempty"`
		ByTable  map[string]int64 `json:"by_table,omitempty"`
		ByStage  map[string]int64 `json:"by_stage,omitempty"`
	}

	metricsView struct {
		Table      string    `json:"table"`
		RunID      string    `json:"run_id"`
		Status     string    `json:"status"`
		Extracted  int64     `json:"extracted"`
		Loaded     int64     `json:"loaded"`
		Failed     int64     `json:"failed"`
		Deleted    int64     `json:"deleted"`
		TotalMs    int64     `json:"total_ms"`
		RecordedAt time.Time `json:"recorded_at"`
	}

	statusView struct {
		Checkpoints []checkpointView `json:"checkpoints"`
		Failures    failureStatsView `json:"failures"`
		RecentRuns  []metricsView    `json:"recent_runs"`
	}
)

func printStatusJSON(checkpoints []*state.Checkpoint, stats *state.FailureStats, metrics []*state.RunMetrics) error {
	view := statusView{
		Checkpoints: make([]checkpointView, 0, len(checkpoints)),
		Failures: failureStatsView{
			Total:    stats.Total,
			ByStatus: make(map[string]int64, len(stats.ByStatus)),
			ByTable:  stats.ByTable,
			ByStage:  make(map[string]int64, len(stats.ByStage)),
		},
		RecentRuns: make([]metricsView, 0, len(metrics)),
	}

	for _, cp := range checkpoints {
		cv := checkpointView{
			Table:         cp.TableName,
			Status:        string(cp.Status),
			RecordsSynced: cp.RecordsSynced,
			TotalEstimate: cp.TotalEstimate,
			RunID:         cp.RunID,
			LastError:     cp.LastError,
		}

		if cp.HasCursor() {
			ts := cp.LastTimestamp
			pk := cp.LastPrimaryKey
			cv.LastTimestamp = &ts
			cv.LastPK = &pk
		}

		if !cp.LastRunAt.IsZero() {
			at := cp.LastRunAt
			cv.LastRunAt = &at
		}

		view.Checkpoints = append(view.Checkpoints, cv)
	}

	for status, n := range stats.ByStatus {
		view.Failures.ByStatus[string(status)] = n
	}

	for stage, n := range stats.ByStage {
		view.Failures.ByStage[string(stage)] = n
	}

	for _, m := range metrics {
		view.RecentRuns = append(view.RecentRuns, metricsView{
			Table:      m.TableName,
			RunID:      m.RunID,
			Status:     string(m.Status),
			Extracted:  m.Extracted,
			Loaded:     m.Loaded,
			Failed:     m.Failed,
			Deleted:    m.Deleted,
			TotalMs:    m.TotalMs,
			RecordedAt: m.RecordedAt,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(view)
}
