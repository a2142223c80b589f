package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrate(t *testing.T) {
	t.Run("creates queue tables", func(t *testing.T) {
		database, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer database.Close()

		require.NoError(t, Migrate(database, zaptest.NewLogger(t).Sugar()))

		for _, table := range []string{"schema_migrations", "jobs", "runs", "workers"} {
			var name string
			err := database.QueryRow(
				"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
			).Scan(&name)
			require.NoError(t, err, "table %s should exist", table)
			assert.Equal(t, table, name)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		database, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer database.Close()

		require.NoError(t, Migrate(database, nil))
		require.NoError(t, Migrate(database, nil))

		var count int
		err = database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count) // 000 and 001
	})
}
