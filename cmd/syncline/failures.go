package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

var (
	failTable  string
	failStatus string
	failStage  string
	failRunID  string
	failLimit  int
	failOffset int

	exportOut string

	cleanupOlderThan time.Duration
	cleanupStatuses  []string
	cleanupYes       bool
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and manage the failed record store",
	Long: `Every record rejected during a sync is preserved with its source data,
the stage that rejected it, and the error. These commands let an operator
review the backlog, mark records resolved or ignored, flag them for another
attempt, and purge old history.`,
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runFailuresList,
}

var failuresExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export failed records with full row data to a JSON file",
	Args:  cobra.NoArgs,
	RunE:  runFailuresExport,
}

var failuresResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a failed record as resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailureAction("resolved"),
}

var failuresIgnoreCmd = &cobra.Command{
	Use:   "ignore <id>",
	Short: "Mark a failed record as ignored",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailureAction("ignored"),
}

var failuresRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Flag a failed record for another attempt",
	Long: `Mark one failed record as retrying and bump its attempt counter. The
record's source row is re-read on the table's next sync; the flag exists so
the backlog shows which failures an operator has already acted on.`,
	Args: cobra.ExactArgs(1),
	RunE: runFailuresRetry,
}

var failuresStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the failure store",
	Args:  cobra.NoArgs,
	RunE:  runFailuresStats,
}

var failuresCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old resolved and ignored failure records",
	Args:  cobra.NoArgs,
	RunE:  runFailuresCleanup,
}

func init() {
	for _, c := range []*cobra.Command{failuresListCmd, failuresExportCmd} {
		c.Flags().StringVar(&failTable, "table", "", "Only failures for this source table")
		c.Flags().StringVar(&failStatus, "status", "", "Only failures with this disposition (pending|retrying|resolved|ignored)")
		c.Flags().StringVar(&failStage, "stage", "", "Only failures from this stage (transform|validate|load)")
		c.Flags().StringVar(&failRunID, "run", "", "Only failures from this run id")
	}

	failuresListCmd.Flags().IntVar(&failLimit, "limit", 50, "Maximum records to show")
	failuresListCmd.Flags().IntVar(&failOffset, "offset", 0, "Records to skip")

	failuresExportCmd.Flags().StringVar(&exportOut, "out", "", "Destination file (required)")
	_ = failuresExportCmd.MarkFlagRequired("out")

	failuresCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Purge records older than this, e.g. 720h (required)")
	failuresCleanupCmd.Flags().StringSliceVar(&cleanupStatuses, "status", nil, "Dispositions to purge (default resolved,ignored)")
	failuresCleanupCmd.Flags().BoolVar(&cleanupYes, "yes", false, "Skip the confirmation prompt")
	_ = failuresCleanupCmd.MarkFlagRequired("older-than")

	failuresCmd.AddCommand(failuresListCmd, failuresExportCmd, failuresResolveCmd,
		failuresIgnoreCmd, failuresRetryCmd, failuresStatsCmd, failuresCleanupCmd)

	rootCmd.AddCommand(failuresCmd)
}

func failureFilter() (state.FailureFilter, error) {
	filter := state.FailureFilter{
		Table:  failTable,
		RunID:  failRunID,
		Limit:  failLimit,
		Offset: failOffset,
	}

	if failStatus != "" {
		status := state.FailureStatus(failStatus)
		if !status.IsValid() {
			return filter, fmt.Errorf("unknown failure status %q", failStatus)
		}

		filter.Status = status
	}

	if failStage != "" {
		stage := state.FailureStage(failStage)
		if !stage.IsValid() {
			return filter, fmt.Errorf("unknown failure stage %q", failStage)
		}

		filter.Stage = stage
	}

	return filter, nil
}

func runFailuresList(_ *cobra.Command, _ []string) error {
	filter, err := failureFilter()
	if err != nil {
		return err
	}

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

	recs, err := st.ListFailures(ctx, filter)
	if err != nil {
		return err
	}

	total, err := st.CountFailures(ctx, filter)
	if err != nil {
		return err
	}

	if total == 0 {
		fmt.Println("no failed records match")

		return nil
	}

	fmt.Printf("%-8s %-20s %-10s %-10s %-16s %-48s %s\n",
		"ID", "TABLE", "STAGE", "STATUS", "RECORD", "ERROR", "CREATED")

	for _, rec := range recs {
		fmt.Printf("%-8d %-20s %-10s %-10s %-16s %-48s %s\n",
			rec.ID, rec.TableName, rec.Stage, colorFailureStatus(rec.Status),
			rec.SourceRecordID, truncate(rec.ErrorMessage, 48), timeText(rec.CreatedAt))
	}

	if int64(len(recs)) < total {
		fmt.Printf("\nshowing %d of %d, use --limit and --offset to page\n", len(recs), total)
	}

	return nil
}

type failureExport struct {
	ID             int64      `json:"id"`
	RunID          string     `json:"run_id"`
	Table          string     `json:"table"`
	SourceRecordID string     `json:"source_record_id"`
	Stage          string     `json:"stage"`
	ErrorKind      string     `json:"error_kind"`
	ErrorMessage   string     `json:"error_message"`
	ErrorDetails   string     `json:"error_details,omitempty"`
	SourceData     record.Row `json:"source_data,omitempty"`
	Transformed    record.Row `json:"transformed_data,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

func runFailuresExport(_ *cobra.Command, _ []string) error {
	filter, err := failureFilter()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	recs, err := st.ListFailures(context.Background(), filter)
	if err != nil {
		return err
	}

	out := make([]failureExport, 0, len(recs))
	for _, rec := range recs {
		out = append(out, failureExport{
			ID:             rec.ID,
			RunID:          rec.RunID,
			Table:          rec.TableName,
			SourceRecordID: rec.SourceRecordID,
			Stage:          string(rec.Stage),
			ErrorKind:      rec.ErrorKind,
			ErrorMessage:   rec.ErrorMessage,
			ErrorDetails:   rec.ErrorDetails,
			SourceData:     rec.SourceData,
			Transformed:    rec.TransformedData,
			RetryCount:     rec.RetryCount,
			Status:         string(rec.Status),
			CreatedAt:      rec.CreatedAt,
		})
	}

	f, err := os.Create(exportOut)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", exportOut, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		_ = f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("exported %d records to %s\n", len(out), exportOut)

	return nil
}

// runFailureAction builds the handler shared by resolve and ignore.
func runFailureAction(verb string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		id, err := parseFailureID(args[0])
		if err != nil {
			return err
		}

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

		switch verb {
		case "resolved":
			err = st.ResolveFailure(ctx, id)
		case "ignored":
			err = st.IgnoreFailure(ctx, id)
		}

		if errors.Is(err, state.ErrFailureNotFound) {
			return fmt.Errorf("no failed record with id %d", id)
		}

		if err != nil {
			return err
		}

		fmt.Printf("failure %d marked %s\n", id, verb)

		return nil
	}
}

func runFailuresRetry(_ *cobra.Command, args []string) error {
	id, err := parseFailureID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	count, err := st.RetryFailure(context.Background(), id)
	if errors.Is(err, state.ErrFailureNotFound) {
		return fmt.Errorf("no failed record with id %d", id)
	}

	if err != nil {
		return err
	}

	fmt.Printf("failure %d marked for retry (attempt %d)\n", id, count)

	return nil
}

func runFailuresStats(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	stats, err := st.FailureStats(context.Background())
	if err != nil {
		return err
	}

	printFailureStats(stats)

	return nil
}

func runFailuresCleanup(_ *cobra.Command, _ []string) error {
	if cleanupOlderThan <= 0 {
		return fmt.Errorf("--older-than must be a positive duration")
	}

	statuses := make([]state.FailureStatus, 0, len(cleanupStatuses))

	for _, s := range cleanupStatuses {
		status := state.FailureStatus(s)
		if !status.IsValid() {
			return fmt.Errorf("unknown failure status %q", s)
		}

		statuses = append(statuses, status)
	}

	cutoff := time.Now().Add(-cleanupOlderThan)

	names := "resolved and ignored"
	if len(statuses) > 0 {
		names = fmt.Sprint(statuses)
	}

	prompt := fmt.Sprintf("Purge %s failures older than %s", names, cutoff.Format("2006-01-02 15:04:05"))
	if !confirm(prompt, cleanupYes) {
		fmt.Println("aborted")

		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	purged, err := st.PurgeFailures(context.Background(), cutoff, statuses)
	if err != nil {
		return err
	}

	fmt.Printf("purged %d records\n", purged)

	return nil
}

func parseFailureID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid failure id %q", raw)
	}

	return id, nil
}

func colorFailureStatus(status state.FailureStatus) string {
	switch status {
	case state.FailurePending:
		return color.New(color.FgRed).Sprint(status)
	case state.FailureRetrying:
		return color.New(color.FgYellow).Sprint(status)
	case state.FailureResolved:
		return color.New(color.FgGreen).Sprint(status)
	default:
		return string(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n-3] + "..."
}
