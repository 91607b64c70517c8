package sqlite

import (
	"context"
	"testing"
)

// newTestDB opens a fresh in-memory database with the full schema applied.
// Each call gets its own database; t.Cleanup closes it when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"users", "linked_accounts", "schema_migrations"} {
		var n int
		err := db.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migrations", table)
		}
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := newTestDB(t)

	// A second run finds nothing to do (migrate.ErrNoChange) and succeeds.
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
