package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.db")
	db1, err := Open(file)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(file)
	require.NoError(t, err)
	db2.Close()
}

func TestMustMigrate(t *testing.T) {
	db := OpenTest(t)
	MustMigrate(db, `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY) STRICT;`)
	MustMigrate(db, `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY) STRICT;`) // idempotent

	_, err := db.Exec("INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)

	require.Panics(t, func() { MustMigrate(db, "NOT VALID SQL") })
}
