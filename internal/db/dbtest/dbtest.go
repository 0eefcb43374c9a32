// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
)

// New returns a repository over a fresh, fully migrated in-memory SQLite
// database that is closed when the test ends.
func New(t testing.TB) *db.Repository {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		t.Fatalf("migrate test database: %v", err)
	}

	repo := db.NewRepository(conn)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}
