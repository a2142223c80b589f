// Package whirrtest provides shared test fixtures.
package whirrtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/syntropy-systems-oss/whirr/db"
	"github.com/syntropy-systems-oss/whirr/queue"
)

// CreateTestDB opens a migrated SQLite database in a per-test temp dir.
// Cleanup is registered via t.Cleanup(). A file-backed database (rather
// than :memory:) keeps behavior identical across the pooled connections
// database/sql hands out.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "whirr.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// CreateTestStore returns a migrated SQLiteStore whose runs directory lives
// in a per-test temp dir.
func CreateTestStore(t *testing.T) *queue.SQLiteStore {
	t.Helper()
	return queue.NewSQLiteStore(CreateTestDB(t), filepath.Join(t.TempDir(), "runs"))
}
