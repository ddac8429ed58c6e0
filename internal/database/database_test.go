package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestCreateTablesIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening against the same file must not fail on existing tables.
	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.QueueStatus(context.Background(), "org-1")
	assert.NoError(t, err)
}
