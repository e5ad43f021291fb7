package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"casegraph/internal/database"
)

func openSQLite(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "store", "casegraph.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	versions, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	want := []string{"0001_core", "0002_queue", "0003_graph"}
	if !slices.Equal(versions, want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for _, table := range []string{"jobs", "artifacts", "queue_messages", "retry_schedule", "dead_letters", "graph_nodes", "graph_edges"} {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestSerialColumnAutoincrements(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := db.ExecContext(ctx, "INSERT INTO queue_messages (queue, payload, enqueued_at) VALUES (?, ?, ?)", "queue:document", "{}", database.FormatTime(time.Now())); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	var maxID int64
	if err := db.QueryRowContext(ctx, "SELECT MAX(id) FROM queue_messages").Scan(&maxID); err != nil {
		t.Fatalf("max id: %v", err)
	}
	if maxID != 2 {
		t.Fatalf("max id = %d, want 2", maxID)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	sentinel := errors.New("abort")
	err := db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO cases (name, created_at) VALUES (?, ?)", "op-nightfall", database.FormatTime(time.Now())); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx error = %v, want sentinel", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM cases").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d cases", count)
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect database.Dialect
		in      string
		want    string
	}{
		{database.DialectSQLite, "SELECT * FROM jobs WHERE id = ?", "SELECT * FROM jobs WHERE id = ?"},
		{database.DialectPostgres, "UPDATE jobs SET status = ? WHERE id = ? AND status <> ?", "UPDATE jobs SET status = $1 WHERE id = $2 AND status <> $3"},
		{database.DialectPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{database.DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tc := range tests {
		if got := database.Rebind(tc.dialect, tc.in); got != tc.want {
			t.Fatalf("Rebind(%s, %q) = %q, want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestPlaceholders(t *testing.T) {
	if got := database.Placeholders(3); got != "?, ?, ?" {
		t.Fatalf("Placeholders(3) = %q", got)
	}
	if got := database.Placeholders(0); got != "" {
		t.Fatalf("Placeholders(0) = %q", got)
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	earlier := database.FormatTime(base)
	later := database.FormatTime(base.Add(500 * time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
	parsed, err := database.ParseTime(later)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("round trip = %v", parsed)
	}
	if _, err := database.ParseTime("2024-03-01T10:00:00Z"); err != nil {
		t.Fatalf("ParseTime RFC3339: %v", err)
	}
}
