package sqlitearchive_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/infrastructure/sqlitearchive"
)

func open(t *testing.T) *sqlitearchive.Archive {
	t.Helper()
	a, err := sqlitearchive.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func record(ctxID string, at int64, data string) ports.SnapshotRecord {
	return ports.SnapshotRecord{
		ID:        uuid.NewString(),
		ContextID: ctxID,
		Plugin:    "echo",
		Digest:    "sha256:" + data,
		Data:      []byte(data),
		CreatedAt: at,
	}
}

func TestArchive_PutGet(t *testing.T) {
	a := open(t)
	ctx := context.Background()
	rec := record("ctx-1", 10, "snapshot-bytes")

	require.NoError(t, a.Put(ctx, rec))
	got, err := a.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	assert.Error(t, a.Put(ctx, rec), "ids are unique")

	_, err = a.Get(ctx, "missing")
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
}

func TestArchive_PutRequiresID(t *testing.T) {
	err := open(t).Put(context.Background(), ports.SnapshotRecord{})
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
}

func TestArchive_List(t *testing.T) {
	a := open(t)
	ctx := context.Background()
	second := record("ctx-1", 20, "b")
	first := record("ctx-1", 10, "a")
	require.NoError(t, a.Put(ctx, second))
	require.NoError(t, a.Put(ctx, first))
	require.NoError(t, a.Put(ctx, record("ctx-2", 5, "c")))

	list, err := a.List(ctx, "ctx-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Nil(t, list[0].Data, "listings omit data")

	none, err := a.List(ctx, "ctx-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchive_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()
	rec := record("ctx-1", 1, "kept")

	a, err := sqlitearchive.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, rec))
	require.NoError(t, a.Close())

	b, err := sqlitearchive.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	got, err := b.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)
}
