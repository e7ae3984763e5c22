package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/lake/errors"
)

// ErrDatabaseClosed marks operations attempted after the database was closed,
// typically task-run bookkeeping racing an interrupted run's shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone: our own
// marker, sql.ErrConnDone, or a driver message saying the database is closed.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	// the sql package reports a closed *sql.DB with an unexported error value
	return strings.Contains(err.Error(), "database is closed")
}

// MarkClosed marks err with ErrDatabaseClosed when it means the database is gone
func MarkClosed(err error) error {
	if err != nil && IsDatabaseClosed(err) && !errors.Is(err, ErrDatabaseClosed) {
		return errors.Mark(err, ErrDatabaseClosed)
	}
	return err
}
