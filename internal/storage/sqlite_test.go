package storage

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/fault"
)

var testMigrations = fstest.MapFS{
	"migrations/1_items.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY, value TEXT NOT NULL);")},
	"migrations/1_items.down.sql": {Data: []byte("DROP TABLE items;")},
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(path, testMigrations)
	require.NoError(t, err)

	_, err = db.Conn.Exec("INSERT INTO items (id, value) VALUES (?, ?)", "a", "1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening is a no-op migration and keeps the data.
	db, err = Open(path, testMigrations)
	require.NoError(t, err)
	defer db.Close()

	var value string
	require.NoError(t, db.Conn.QueryRow("SELECT value FROM items WHERE id = ?", "a").Scan(&value))
	assert.Equal(t, "1", value)
	assert.Equal(t, path, db.Path())
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0600))

	_, err := Open(path, testMigrations)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Configuration), "got %v", err)

	// The corrupt file must not have been replaced.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, garbage, data)
}

func TestCloseNilDB(t *testing.T) {
	var db *DB
	assert.NoError(t, db.Close())
}
