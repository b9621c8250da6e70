package db

import (
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigratorIgnoresWorkingDirectory(t *testing.T) {
	t.Chdir(t.TempDir())

	// sql.Open is lazy, so no server is needed to enumerate migrations.
	sqlDB, err := sql.Open("pgx", "postgres://regserv@127.0.0.1:1/regserv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	migrator, err := NewMigrator(sqlDB)
	require.NoError(t, err)

	sources := migrator.ListSources()
	require.Len(t, sources, 1)
	assert.Equal(t, int64(1), sources[0].Version)
	assert.Equal(t, goose.TypeGo, sources[0].Type)
}

func TestNotFound(t *testing.T) {
	assert.True(t, NotFound(pgx.ErrNoRows))
	assert.False(t, NotFound(sql.ErrConnDone))
	assert.False(t, NotFound(nil))
}
