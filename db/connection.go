package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database before
// surfacing a busy error. Claims run as immediate transactions, so this
// bounds worker contention on a single-host queue.
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path with the settings the
// queue depends on: WAL journaling for concurrent readers, an immediate
// transaction lock so BEGIN takes the write lock up front (the claim
// primitive relies on this), and a bounded busy timeout.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	dsn := path + "?_txlock=immediate"
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := database.Exec("PRAGMA journal_mode = WAL"); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	// Enable foreign key constraints
	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	if _, err := database.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"txlock", "immediate",
		)
	}

	return database, nil
}
