// Package migrations owns the queue schema. Go migrations register themselves
// with goose on import; plain .sql files in the migrations dir run alongside them.
package migrations

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// goose keeps its dialect in package state.
var mu sync.Mutex

// Up applies every pending migration. dir must exist.
func Up(db *sql.DB, dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Up(db, dir); err != nil {
		return errors.Wrap(err, "goose up")
	}
	return nil
}

// Version reports the newest applied migration.
func Version(db *sql.DB) (int64, error) {
	mu.Lock()
	defer mu.Unlock()

	if err := goose.SetDialect("postgres"); err != nil {
		return 0, errors.Wrap(err, "goose dialect")
	}
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, errors.Wrap(err, "goose version")
	}
	return v, nil
}
