package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LatestIsLeaf(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	root := New("thread-1", "", map[string]any{"step": 0}, []string{"agent"}, nil)
	require.NoError(t, store.Put(ctx, root))

	child := New("thread-1", root.CheckpointID, map[string]any{"step": 1}, nil, nil)
	require.NoError(t, store.Put(ctx, child))

	latest, err := store.GetLatest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, child.CheckpointID, latest.CheckpointID)
	assert.Equal(t, 1, latest.Values["step"])
}

func TestMemoryStore_GetLatestNotFound(t *testing.T) {
	store := NewInMemory()
	_, err := store.GetLatest(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListAncestryPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	c1 := New("t", "", map[string]any{}, nil, nil)
	require.NoError(t, store.Put(ctx, c1))
	c2 := New("t", c1.CheckpointID, map[string]any{}, nil, nil)
	require.NoError(t, store.Put(ctx, c2))

	ancestry, err := store.ListAncestry(ctx, "t")
	require.NoError(t, err)
	require.Len(t, ancestry, 2)
	assert.Equal(t, c1.CheckpointID, ancestry[0].CheckpointID)
	assert.Equal(t, c2.CheckpointID, ancestry[1].CheckpointID)
}

func TestMemoryStore_DeleteClearsThread(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	c := New("t", "", map[string]any{}, nil, nil)
	require.NoError(t, store.Put(ctx, c))
	require.NoError(t, store.Delete(ctx, "t"))

	_, err := store.GetLatest(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)
}
