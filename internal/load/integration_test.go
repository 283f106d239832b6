package load

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   config.Duration(10 * time.Millisecond),
		MaxDelay:    config.Duration(50 * time.Millisecond),
	}
}

func setupTarget(t *testing.T) *config.TestDatabase {
	t.Helper()

	db := config.SetupTestDatabase(context.Background(), t)
	t.Cleanup(func() {
		_ = db.Connection.Close()
		_ = testcontainers.TerminateContainer(db.Container)
	})

	return db
}

// createOrdersTarget builds the load target. status is NOT NULL so tests can
// poison a batch with a null; deleted_at backs the soft-delete tests.
func createOrdersTarget(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		amount NUMERIC(10,2),
		status TEXT NOT NULL,
		deleted_at TIMESTAMPTZ
	)`)
	require.NoError(t, err)
}

func orderRow(id int64, amount, status string) record.Row {
	row := record.Row{
		"id":     record.Int(id),
		"amount": record.Decimal(amount),
		"status": record.String(status),
	}

	if status == "" {
		row["status"] = record.Null()
	}

	return row
}

func countOrders(t *testing.T, db *sql.DB) int {
	t.Helper()

	var n int

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))

	return n
}

func TestLoadBatchUpsertCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()

	first := []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
		orderRow(3, "99.00", "open"),
	}

	res, err := l.LoadBatch(ctx, m, first)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Inserted)
	require.Equal(t, int64(0), res.Updated)
	require.Empty(t, res.Failed)

	// Replaying the same keys flips every row to an update.
	second := []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "11.00", "paid"),
		orderRow(3, "99.00", "open"),
	}

	res, err = l.LoadBatch(ctx, m, second)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Inserted)
	require.Equal(t, int64(3), res.Updated)

	var amount, status string
	require.NoError(t, target.Connection.QueryRow(
		"SELECT amount::text, status FROM orders WHERE id = 2").Scan(&amount, &status))
	require.Equal(t, "11.00", amount)
	require.Equal(t, "paid", status)

	require.Equal(t, 3, countOrders(t, target.Connection))
}

func TestLoadBatchReplaysPoisonRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())

	// Row 2 violates the NOT NULL constraint, failing the batch transaction.
	rows := []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", ""),
		orderRow(3, "99.00", "open"),
	}

	res, err := l.LoadBatch(ctx, testMapping(), rows)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Inserted)
	require.Len(t, res.Failed, 1)
	require.Equal(t, "2", res.Failed[0].Row["id"].Display())

	var pqErr *pq.Error
	require.True(t, errors.As(res.Failed[0].Err, &pqErr))
	require.Equal(t, pq.ErrorCode("23502"), pqErr.Code)

	require.Equal(t, 2, countOrders(t, target.Connection))

	var missing int
	require.NoError(t, target.Connection.QueryRow(
		"SELECT COUNT(*) FROM orders WHERE id = 2").Scan(&missing))
	require.Equal(t, 0, missing)
}

func TestLoadBatchInsertMode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()
	m.Mode = config.ModeInsert

	res, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Inserted)

	// A duplicate key is a data error in insert mode: the fresh row still
	// lands through the replay and the duplicate is reported.
	res, err = l.LoadBatch(ctx, m, []record.Row{
		orderRow(2, "7.25", "open"),
		orderRow(3, "99.00", "open"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Inserted)
	require.Len(t, res.Failed, 1)
	require.Equal(t, "2", res.Failed[0].Row["id"].Display())

	var pqErr *pq.Error
	require.True(t, errors.As(res.Failed[0].Err, &pqErr))
	require.Equal(t, pq.ErrorCode("23505"), pqErr.Code)

	require.Equal(t, 3, countOrders(t, target.Connection))
}

func TestLoadBatchUpdateMode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()

	_, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
	})
	require.NoError(t, err)

	// Update mode changes existing rows and skips unknown keys.
	m.Mode = config.ModeUpdate

	res, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "shipped"),
		orderRow(99, "1.00", "ghost"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Inserted)
	require.Equal(t, int64(1), res.Updated)
	require.Empty(t, res.Failed)

	var status string
	require.NoError(t, target.Connection.QueryRow(
		"SELECT status FROM orders WHERE id = 1").Scan(&status))
	require.Equal(t, "shipped", status)

	require.Equal(t, 2, countOrders(t, target.Connection))
}

func TestDeleteHardIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()

	_, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
		orderRow(3, "99.00", "open"),
	})
	require.NoError(t, err)

	ids := []record.Value{record.Int(2), record.Int(3)}

	n, err := l.Delete(ctx, m, ids, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = l.Delete(ctx, m, ids, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	existing, err := l.ExistingIDs(ctx, m)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Equal(t, record.Int(1), existing["1"])
}

func TestDeleteSoftKeepsFirstStamp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()
	m.SoftDeleteColumn = "deleted_at"

	_, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
	})
	require.NoError(t, err)

	n, err := l.Delete(ctx, m, []record.Value{record.Int(1)}, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var first time.Time
	require.NoError(t, target.Connection.QueryRow(
		"SELECT deleted_at FROM orders WHERE id = 1").Scan(&first))
	require.False(t, first.IsZero())

	// Marking again touches only row 2; row 1 keeps its original stamp.
	n, err = l.Delete(ctx, m, []record.Value{record.Int(1), record.Int(2)}, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var again time.Time
	require.NoError(t, target.Connection.QueryRow(
		"SELECT deleted_at FROM orders WHERE id = 1").Scan(&again))
	require.True(t, again.Equal(first))

	require.Equal(t, 2, countOrders(t, target.Connection))
}

func TestVerifyCountsSample(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	target := setupTarget(t)
	createOrdersTarget(t, target.Connection)

	l := NewWithDB(target.Connection, testRetry())
	m := testMapping()

	_, err := l.LoadBatch(ctx, m, []record.Row{
		orderRow(1, "10.50", "open"),
		orderRow(2, "7.25", "open"),
		orderRow(3, "99.00", "open"),
	})
	require.NoError(t, err)

	n, err := l.Verify(ctx, m, []record.Value{record.Int(1), record.Int(3), record.Int(99)})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = l.Verify(ctx, m, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
