// Package db provides the sqlite plumbing shared by the coordinator's
// store and audit trail. This package contains generic database
// infrastructure only; schema definitions belong in the packages that own
// the tables.
package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the given path in WAL mode with a single
// connection. sqlite serializes writers anyway, and one connection keeps
// WAL behavior predictable under the coordinator's many per-printer
// goroutines.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, err
}

// OpenTest creates a test database in a temporary directory.
func OpenTest(t *testing.T) *sql.DB {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// MustMigrate applies a migration to the database, panicking on error.
// Migrations here are idempotent CREATE IF NOT EXISTS blocks applied at
// construction time; a failure means the binary is broken, not the data.
func MustMigrate(db *sql.DB, migration string) {
	_, err := db.Exec(migration)
	if err != nil {
		panic(fmt.Errorf("error while migrating database: %s", err))
	}
}
