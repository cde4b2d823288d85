package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
)

func TestStatementsSkipsComments(t *testing.T) {
	got := statements(`-- agents
CREATE TABLE a (id TEXT);
  -- indexes follow
CREATE INDEX idx_a ON a (id);

`)
	require.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX idx_a ON a (id)"}, got)
}

func TestMigrationVersion(t *testing.T) {
	v, err := migrationVersion("0003_add_ledger_index.sql")
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	_, err = migrationVersion("init.sql")
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestEmbeddedMigrationsPerDialect(t *testing.T) {
	for _, dialect := range []Dialect{DialectMySQL, DialectSQLite} {
		files, err := embeddedMigrations(dialect)
		require.NoError(t, err)
		require.NotEmpty(t, files)
		require.Equal(t, int64(1), files[0].version)
		require.Len(t, files[0].checksum, 64)
		require.NotEmpty(t, files[0].statements)
	}
}

func TestOpenRejectsEditedMigration(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: DialectSQLite, DSN: filepath.Join(t.TempDir(), "intentmesh.db")}

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = first.db.ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'stale' WHERE version = 1`)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	_, err = Open(ctx, cfg)
	require.Error(t, err)
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "0001_init.sql")
}
