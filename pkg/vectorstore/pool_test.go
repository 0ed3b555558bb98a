package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := NewPool(
		config.VectorStoreConfig{Backend: "chromem", PersistDirectory: t.TempDir()},
		config.EmbeddingConfig{Provider: "ollama"},
	)
	t.Cleanup(pool.CleanupAll)
	return pool
}

func TestPoolReusesHandles(t *testing.T) {
	pool := newTestPool(t)

	a, err := pool.Get("hansard_1901", "nomic-embed-text")
	require.NoError(t, err)
	b, err := pool.Get("hansard_1901", "nomic-embed-text")
	require.NoError(t, err)
	assert.Same(t, a.Store.(*ChromemStore), b.Store.(*ChromemStore))
	assert.Equal(t, 1, pool.Stats().OpenHandles)

	c, err := pool.Get("darwin", "nomic-embed-text")
	require.NoError(t, err)
	assert.NotSame(t, a.Store.(*ChromemStore), c.Store.(*ChromemStore))

	stats := pool.Stats()
	assert.Equal(t, 2, stats.OpenHandles)
	assert.Equal(t, 1, stats.Embedders, "same model shares one embedder")
}

func TestPoolSweepsIdleHandles(t *testing.T) {
	pool := newTestPool(t)

	now := time.Now()
	pool.nowFn = func() time.Time { return now }

	_, err := pool.Get("hansard_1901", "nomic-embed-text")
	require.NoError(t, err)

	// Jump past the idle expiry; the next access sweeps the stale handle
	// before opening its own.
	now = now.Add(defaultIdleExpiry + time.Second)
	_, err = pool.Get("darwin", "nomic-embed-text")
	require.NoError(t, err)

	stats := pool.Stats()
	require.Equal(t, 1, stats.OpenHandles)
	assert.Equal(t, "darwin", stats.Handles[0].Collection)
}

func TestPoolEvictsOldestWhenFull(t *testing.T) {
	pool := newTestPool(t)
	pool.maxHandles = 2

	now := time.Now()
	pool.nowFn = func() time.Time { return now }

	_, err := pool.Get("col-a", "m")
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = pool.Get("col-b", "m")
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = pool.Get("col-c", "m")
	require.NoError(t, err)

	stats := pool.Stats()
	require.Equal(t, 2, stats.OpenHandles)
	collections := []string{stats.Handles[0].Collection, stats.Handles[1].Collection}
	assert.ElementsMatch(t, []string{"col-b", "col-c"}, collections, "oldest handle evicted")
}

func TestPoolCleanupAll(t *testing.T) {
	pool := newTestPool(t)

	_, err := pool.Get("col-a", "m")
	require.NoError(t, err)
	_, err = pool.Get("col-b", "m")
	require.NoError(t, err)

	pool.CleanupAll()
	stats := pool.Stats()
	assert.Equal(t, 0, stats.OpenHandles)
	assert.Equal(t, 0, stats.Embedders)
}

func TestPoolRejectsEmptyKey(t *testing.T) {
	pool := newTestPool(t)

	_, err := pool.Get("", "m")
	require.Error(t, err)
	_, err = pool.Get("col", "")
	require.Error(t, err)
}
