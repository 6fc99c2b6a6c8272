package testutil

import (
	"path/filepath"
	"testing"

	"cofer/internal/db"

	"github.com/stretchr/testify/require"
)

// NewTestDB opens a migrated state database in a temp dir
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.DefaultConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}
