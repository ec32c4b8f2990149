package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalMemory(t *testing.T) *Memory {
	t.Helper()
	store, err := NewLocalStore()
	require.NoError(t, err)
	return New(store)
}

func TestScope_RememberAndSearch(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)
	scope := mem.Scope("default")

	require.NoError(t, scope.Remember(ctx, "find cheap flights to paris", map[string]any{"trace_id": "t1"}))
	require.NoError(t, scope.Remember(ctx, "database tuning notes", map[string]any{"trace_id": "t2"}))

	hits, err := scope.Search(ctx, "cheap flights", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "find cheap flights to paris", hits[0].Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "default", hits[0].Metadata[MetadataProfile])
}

func TestScope_ProfileIsolation(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)

	require.NoError(t, mem.Scope("A").Remember(ctx, "secret-A", nil))

	hits, err := mem.Scope("B").Search(ctx, "secret", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = mem.Scope("A").Search(ctx, "secret", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "secret-A", hits[0].Text)
}

func TestScope_ProfileCannotBeSpoofedViaMetadata(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)

	// The scope's profile wins over whatever the caller puts in metadata.
	require.NoError(t, mem.Scope("A").Remember(ctx, "secret-A", map[string]any{MetadataProfile: "B"}))

	hits, err := mem.Scope("B").Search(ctx, "secret", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestScope_EmptyProfileDefaults(t *testing.T) {
	mem := newLocalMemory(t)
	assert.Equal(t, "default", mem.Scope("").Profile())
}

func TestScope_RememberValidation(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)

	assert.Error(t, mem.Scope("A").Remember(ctx, "", nil))

	_, _, err := mem.Scope("A").Load(ctx, "")
	assert.Error(t, err)
}

func TestScope_Load(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)
	scope := mem.Scope("default")

	require.NoError(t, scope.Remember(ctx, "v1", map[string]any{MetadataKey: "agent-state"}))
	require.NoError(t, scope.Remember(ctx, "v2", map[string]any{MetadataKey: "agent-state"}))

	rec, ok, err := scope.Load(ctx, "agent-state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", rec.Text, "newest record wins")

	_, ok, err = scope.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys are profile-scoped like everything else.
	_, ok, err = mem.Scope("other").Load(ctx, "agent-state")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_SearchRanking(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)
	scope := mem.Scope("default")

	require.NoError(t, scope.Remember(ctx, "cheap flights", nil))
	require.NoError(t, scope.Remember(ctx, "cheap hotels in rome", nil))
	require.NoError(t, scope.Remember(ctx, "completely unrelated", nil))

	hits, err := scope.Search(ctx, "cheap flights", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "cheap flights", hits[0].Text)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestLocalStore_TopKClamp(t *testing.T) {
	ctx := context.Background()
	mem := newLocalMemory(t)
	scope := mem.Scope("default")

	for i := 0; i < 10; i++ {
		require.NoError(t, scope.Remember(ctx, "flights everywhere", nil))
	}

	hits, err := scope.Search(ctx, "flights", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestLocalStore_Persistence(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "state", "memory.json")

	store, err := NewLocalStore(WithStatePath(statePath))
	require.NoError(t, err)
	mem := New(store)

	require.NoError(t, mem.Scope("A").Remember(ctx, "persisted fact", map[string]any{"trace_id": "t1"}))
	require.NoError(t, mem.Flush(ctx))

	reloaded, err := NewLocalStore(WithStatePath(statePath))
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Count())

	hits, err := New(reloaded).Scope("A").Search(ctx, "persisted", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted fact", hits[0].Text)
}

func TestLocalStore_FlushWithoutPathIsNoop(t *testing.T) {
	store, err := NewLocalStore()
	require.NoError(t, err)
	assert.NoError(t, store.Flush(context.Background()))
}

func TestChromemStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewChromemStore(ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := New(store)

	require.NoError(t, mem.Scope("A").Remember(ctx, "secret-A", nil))
	require.NoError(t, mem.Scope("A").Remember(ctx, "cheap flights to paris", nil))
	require.NoError(t, mem.Scope("B").Remember(ctx, "unrelated note", nil))

	t.Run("cosine ranking", func(t *testing.T) {
		hits, err := mem.Scope("A").Search(ctx, "cheap flights", 2)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "cheap flights to paris", hits[0].Text)
	})

	t.Run("profile isolation", func(t *testing.T) {
		hits, err := mem.Scope("B").Search(ctx, "secret", 3)
		require.NoError(t, err)
		for _, hit := range hits {
			assert.NotEqual(t, "secret-A", hit.Text)
		}
	})

	t.Run("keyed load", func(t *testing.T) {
		require.NoError(t, mem.Scope("A").Remember(ctx, "v1", map[string]any{MetadataKey: "state"}))
		require.NoError(t, mem.Scope("A").Remember(ctx, "v2", map[string]any{MetadataKey: "state"}))

		rec, ok, err := mem.Scope("A").Load(ctx, "state")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", rec.Text)

		_, ok, err = mem.Scope("B").Load(ctx, "state")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty store yields no hits", func(t *testing.T) {
		empty, err := NewChromemStore(ChromemConfig{Collection: "empty"})
		require.NoError(t, err)
		hits, err := New(empty).Scope("A").Search(ctx, "anything", 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}
