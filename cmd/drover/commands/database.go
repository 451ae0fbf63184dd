package commands

import (
	"database/sql"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/db"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/logger"
)

// openDatabase opens and migrates the state store. If dbPath is empty the
// configured path is used.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		if err := cfg.EnsureLayout(); err != nil {
			return nil, err
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
