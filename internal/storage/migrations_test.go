package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := openDatabase(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", v)

	require.NoError(t, ApplyMigrations(ctx, db))
	require.NoError(t, ApplyMigrations(ctx, db), "applying twice is a no-op")

	v, err = SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	require.NoError(t, RollbackMigration(ctx, db))
	v, err = SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, ApplyMigrations(ctx, db))
	v, err = SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}
