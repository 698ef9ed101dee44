// Package testing provides shared database helpers for tests.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/barwatch/barwatch/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary SQLite database with the schema for the
// given name applied. Returns the database and an idempotent cleanup
// function that closes the connection and removes the file.
//
// Supported schema names:
//   - "market" - symbols, bars and coverage ledger
//   - "jobs" - job catalog, run queue, rate buckets, checkpoints, user tracking
//   - "cache" - api_cache
//   - Unknown names - creates an empty database (no schema applied)
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// A file-backed database per test keeps tests isolated and lets the
	// WAL pragmas behave the same as in production.
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}
