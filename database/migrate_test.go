package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	pool, cleanupFunc := SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	connString := pool.Config().ConnString()

	m, err := NewFromConnectionString(connString)
	require.NoError(t, err)

	fnames, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, fnames)

	// SetupTestDB already migrated up; walk down and back up step by step.
	for i := len(fnames); i >= 1; i-- {
		err = m.Steps(-1)
		assert.NoError(t, err)
	}
	for i := 1; i <= len(fnames); i++ {
		err = m.Steps(1)
		assert.NoError(t, err)
	}
}
