package commands

import (
	"database/sql"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/db"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
)

// openDatabase opens and migrates the database at dbPath.
// If dbPath is empty, it is taken from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
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
