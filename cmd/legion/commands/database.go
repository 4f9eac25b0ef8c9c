package commands

import (
	"database/sql"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/db"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/logger"
)

// openDatabase opens and migrates the database. An empty dbPath resolves
// through the config cascade (LEGION_DB_PATH wins).
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "legion.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
