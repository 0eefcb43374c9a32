// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// setupTestRepo opens a migrated in-memory database.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	conn, err := Open(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		t.Fatalf("Migrate() failed: %v", err)
	}

	repo := NewRepository(conn)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}

// TestOpen verifies a file database is created with WAL and foreign keys.
func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "pfasync.db")

	db, err := Open(context.Background(), "sqlite://"+dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	if db.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %q, want %q", db.Dialect(), DialectSQLite)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_invalidDSN verifies unsupported DSNs are rejected.
func TestOpen_invalidDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{"no scheme", "pfasync.db"},
		{"unknown scheme", "mysql://localhost/pfa"},
		{"empty sqlite path", "sqlite://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if db, err := Open(context.Background(), tt.dsn); err == nil {
				db.Close()
				t.Errorf("Open(%q) should fail", tt.dsn)
			}
		})
	}
}

// TestRebind verifies placeholder rewriting per dialect.
func TestRebind(t *testing.T) {
	query := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"

	sqlite := &DB{dialect: DialectSQLite}
	if got := sqlite.Rebind(query); got != query {
		t.Errorf("sqlite Rebind() = %q, want unchanged", got)
	}

	pg := &DB{dialect: DialectPostgres}
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got := pg.Rebind(query); got != want {
		t.Errorf("postgres Rebind() = %q, want %q", got, want)
	}
}
