// Package store is the SQLite history archive: every message the daemon has
// seen or had acknowledged, plus a log of delivery outcomes.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB is a profile's archive.db.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the archive at path. WAL lets the history
// reader run alongside the archiver's writes.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_synchronous", "NORMAL")

	sqlDB, err := sql.Open("sqlite3", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the file the archive was opened from.
func (db *DB) Path() string {
	return db.path
}
