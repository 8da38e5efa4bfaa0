package testhelpers

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/database"
)

// MigrationsPath returns the repository's migrations directory, resolved
// from this file's location so tests in any package find it regardless of
// their working directory.
func MigrationsPath(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve caller location")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// NewSQLiteTestDB opens an isolated in-memory store with the full schema
// applied. Each call returns a fresh database; it is closed automatically
// when the test finishes.
func NewSQLiteTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), &database.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open in-memory sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(db, MigrationsPath(t), zap.NewNop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}
