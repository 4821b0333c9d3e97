package blob

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	eng, err := storage.Open(t.TempDir(), utils.NewDefaultLogger(slog.LevelWarn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return NewRegistry(eng, utils.NewDefaultLogger(slog.LevelWarn))
}

func TestRegistry(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	ok, err := r.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Register("b1", Meta{Size: 10, ContentType: "image/png"}))
	ok, err = r.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)

	meta, err := r.Stat("b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.False(t, meta.CreatedAt.IsZero())

	_, err = r.Stat("nope")
	assert.ErrorIs(t, err, tabula_errors.ErrBlobUnknown)
}

func TestCollect(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register("b1", Meta{Size: 1}))
	require.NoError(t, r.Register("b2", Meta{Size: 2}))

	r.Collect(ctx, []string{"b1", "never-existed"})

	ok, err := r.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.Exists(ctx, "b2")
	require.NoError(t, err)
	assert.True(t, ok)
}
