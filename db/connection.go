package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/droverhq/drover/errors"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before returning SQLITE_BUSY. Workers, the sweeper, and the supervisor
// share one file, so writes must queue rather than fail.
const SQLiteBusyTimeoutMS = 5000

// Open opens the SQLite state store at the specified path with the settings
// the orchestrator depends on: WAL for concurrent reads during writes,
// foreign keys, a busy timeout, and immediate transactions so concurrent
// claim attempts queue on the write lock instead of failing on snapshot
// upgrade. The settings ride on the DSN so every pooled connection gets
// them, not just the first.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening state store", "path", path)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to open database")
	}

	if logger != nil {
		logger.Infow("State store opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the state store and brings its schema up to date.
// This is the entry point the daemon and every CLI command use.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}
