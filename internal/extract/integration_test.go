package extract

import (
	"context"
	"database/sql"
	"testing"
	"time"

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

func setupSource(t *testing.T) *config.TestSource {
	t.Helper()

	src := config.SetupTestSource(context.Background(), t)
	t.Cleanup(func() {
		_ = src.Connection.Close()
		_ = testcontainers.TerminateContainer(src.Container)
	})

	return src
}

func createOrders(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(`CREATE TABLE orders (
		id BIGINT NOT NULL,
		amount DECIMAL(10,2),
		updated_at DATETIME(6),
		PRIMARY KEY (id)
	)`)
	require.NoError(t, err)
}

func insertOrder(t *testing.T, db *sql.DB, id int64, amount string, ts time.Time) {
	t.Helper()

	_, err := db.Exec("INSERT INTO orders (id, amount, updated_at) VALUES (?, ?, ?)", id, amount, ts)
	require.NoError(t, err)
}

func TestStreamPaginatesKeyset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)
	ex := NewWithDB(src.Connection, testRetry())

	createOrders(t, src.Connection)

	// Rows 3, 4, and 5 share a timestamp so ordering falls back to the pk.
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	shared := base.Add(2 * time.Second)
	stamps := []time.Time{
		base,
		base.Add(time.Second),
		shared,
		shared,
		shared,
		base.Add(3 * time.Second),
		base.Add(4 * time.Second),
	}

	for i, ts := range stamps {
		insertOrder(t, src.Connection, int64(i+1), "10.50", ts)
	}

	m := testMapping()
	m.BatchSize = 3

	var (
		gotIDs []int64
		resume Cursor
	)

	stream := ex.Changes(m, Cursor{})
	for stream.Next(ctx) {
		ch := stream.Change()

		id, ok := ch.PK.IntVal()
		require.True(t, ok, "pk should scan as int")

		gotIDs = append(gotIDs, id)

		require.Equal(t, record.String("10.50"), ch.Row["amount"])
		require.True(t, ch.Timestamp.Equal(stamps[id-1]), "timestamp of row %d", id)

		if id == 4 {
			resume = stream.Cursor()
		}
	}
	require.NoError(t, stream.Err())
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, gotIDs)

	// Resuming from the middle of the shared-timestamp group must pick up
	// the remaining rows exactly once.
	require.True(t, resume.Valid())

	n, err := ex.CountSince(ctx, m, resume)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	gotIDs = gotIDs[:0]

	stream = ex.Changes(m, resume)
	for stream.Next(ctx) {
		id, _ := stream.Change().PK.IntVal()
		gotIDs = append(gotIDs, id)
	}
	require.NoError(t, stream.Err())
	require.Equal(t, []int64{5, 6, 7}, gotIDs)
}

func TestStreamDetectsBrokenOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)
	ex := NewWithDB(src.Connection, testRetry())

	// No uniqueness constraint, so the source can violate the cursor
	// contract with two rows sharing (timestamp, pk).
	_, err := src.Connection.Exec(`CREATE TABLE dup_rows (
		id BIGINT NOT NULL,
		updated_at DATETIME(6)
	)`)
	require.NoError(t, err)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := src.Connection.Exec("INSERT INTO dup_rows (id, updated_at) VALUES (?, ?)", 7, ts)
		require.NoError(t, err)
	}

	m := config.TableMapping{
		SourceTable:     "dup_rows",
		TargetTable:     "dup_rows",
		PrimaryKey:      "id",
		TimestampColumn: "updated_at",
		BatchSize:       10,
		Columns:         []config.FieldMapping{{Source: "id", Target: "id"}},
	}

	stream := ex.Changes(m, Cursor{})
	for stream.Next(ctx) {
	}

	require.ErrorIs(t, stream.Err(), ErrSourceIntegrity)
}

func TestStreamRejectsNullTimestamp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)
	ex := NewWithDB(src.Connection, testRetry())

	createOrders(t, src.Connection)

	_, err := src.Connection.Exec("INSERT INTO orders (id, amount, updated_at) VALUES (1, '5.00', NULL)")
	require.NoError(t, err)

	stream := ex.Changes(testMapping(), Cursor{})
	for stream.Next(ctx) {
	}

	require.ErrorIs(t, stream.Err(), ErrSourceIntegrity)
}

func TestSnapshotAndLatestTimestamp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)
	ex := NewWithDB(src.Connection, testRetry())

	createOrders(t, src.Connection)

	m := testMapping()

	// Empty table: zero latest timestamp, zero count, no ids.
	latest, err := ex.LatestTimestamp(ctx, m)
	require.NoError(t, err)
	require.True(t, latest.IsZero())

	n, err := ex.CountSince(ctx, m, Cursor{})
	require.NoError(t, err)
	require.Zero(t, n)

	newest := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
	insertOrder(t, src.Connection, 3, "1.00", newest)
	insertOrder(t, src.Connection, 1, "2.00", newest.Add(-time.Minute))
	insertOrder(t, src.Connection, 2, "3.00", newest.Add(-time.Hour))

	ids, err := ex.SnapshotIDs(ctx, m)
	require.NoError(t, err)
	require.Equal(t, []record.Value{record.Int(1), record.Int(2), record.Int(3)}, ids)

	latest, err = ex.LatestTimestamp(ctx, m)
	require.NoError(t, err)
	require.True(t, latest.Equal(newest), "latest = %v, want %v", latest, newest)

	n, err = ex.CountSince(ctx, m, Cursor{})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestSoftDeletedSince(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)
	ex := NewWithDB(src.Connection, testRetry())

	_, err := src.Connection.Exec(`CREATE TABLE users (
		id BIGINT NOT NULL,
		email VARCHAR(255),
		updated_at DATETIME(6),
		deleted_at DATETIME(6) NULL,
		is_deleted TINYINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id)
	)`)
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	insert := func(id int64, updatedAt time.Time, deletedAt any, flag int) {
		_, err := src.Connection.Exec(
			"INSERT INTO users (id, email, updated_at, deleted_at, is_deleted) VALUES (?, ?, ?, ?, ?)",
			id, "u@example.com", updatedAt, deletedAt, flag)
		require.NoError(t, err)
	}

	// Rows 2 and 3 carry both deletion markers. Row 5 has deleted_at set
	// while its flag stays clear, so the two marker columns disagree on it.
	insert(1, base, nil, 0)
	insert(2, base.Add(time.Second), base, 1)
	insert(3, base.Add(time.Minute), base, 1)
	insert(4, base.Add(2*time.Minute), nil, 0)
	insert(5, base.Add(3*time.Minute), base, 0)

	m := config.TableMapping{
		SourceTable:      "users",
		TargetTable:      "users",
		PrimaryKey:       "id",
		TimestampColumn:  "updated_at",
		SoftDeleteColumn: "deleted_at",
		BatchSize:        100,
		Columns: []config.FieldMapping{
			{Source: "id", Target: "id"},
			{Source: "email", Target: "email"},
		},
	}

	// Timestamp markers: any non-null deleted_at is a deletion.
	ids, err := ex.SoftDeletedSince(ctx, m, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []record.Value{record.Int(2), record.Int(3), record.Int(5)}, ids)

	// Only deletions whose row timestamp moved past since.
	ids, err = ex.SoftDeletedSince(ctx, m, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, []record.Value{record.Int(3), record.Int(5)}, ids)

	// Integer markers: zero means live even though the column is non-null.
	m.SoftDeleteColumn = "is_deleted"

	ids, err = ex.SoftDeletedSince(ctx, m, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []record.Value{record.Int(2), record.Int(3)}, ids)

	// Missing marker column is a configuration error.
	m.SoftDeleteColumn = ""

	_, err = ex.SoftDeletedSince(ctx, m, time.Time{})
	require.Error(t, err)
}

func TestNewNormalizesDSN(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	src := setupSource(t)

	// Connection string without parseTime; New must add it or cursor
	// comparison would see []byte instead of time.Time.
	dsn, err := src.Container.ConnectionString(ctx)
	require.NoError(t, err)

	ex, err := New(config.SourceConfig{
		DBConfig: config.DBConfig{
			DSN:          dsn,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
	}, testRetry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ex.Close() })

	createOrders(t, src.Connection)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	insertOrder(t, src.Connection, 1, "9.99", ts)

	stream := ex.Changes(testMapping(), Cursor{})
	require.True(t, stream.Next(ctx))

	ch := stream.Change()
	require.Equal(t, record.KindTime, ch.Row["updated_at"].Kind())
	require.True(t, ch.Timestamp.Equal(ts))

	require.False(t, stream.Next(ctx))
	require.NoError(t, stream.Err())
}
