// Package storage persists rotation history in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
}

// Open creates the database file and its directory when missing and
// applies the schema. ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises
	// writers, which is all the history log needs.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return db, nil
}

func (db *DB) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS rotation_events (
    seq       INTEGER PRIMARY KEY,
    ts        INTEGER NOT NULL, -- unix milliseconds
    protocol  TEXT    NOT NULL,
    old_proxy TEXT    NOT NULL DEFAULT '',
    new_proxy TEXT    NOT NULL,
    kind      TEXT    NOT NULL, -- manual, auto or reconcile
    success   INTEGER NOT NULL,
    error     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rotation_events_protocol ON rotation_events(protocol);`

	_, err := db.Exec(schema)
	return err
}
