package promptcache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(config.PromptCacheConfig{})
}

func TestBuildOptimizedPromptMissThenHit(t *testing.T) {
	c := newTestCache(t)

	first, info := c.BuildOptimizedPrompt("You are a historian.", "Document 1:\ntext", "OPENAI", "gpt-4o")
	assert.False(t, info.CacheHit)
	assert.Len(t, info.CacheKey, 16)
	assert.Equal(t, "You are a historian.\n\nContext information is below.\nDocument 1:\ntext\n\n", first)
	assert.Equal(t, len(first), info.PromptLength)

	second, info := c.BuildOptimizedPrompt("You are a historian.", "Document 1:\ntext", "OPENAI", "gpt-4o")
	assert.True(t, info.CacheHit)
	assert.Equal(t, 1, info.HitCount)
	assert.Equal(t, first, second)
	assert.Equal(t, len(first)/4, info.EstimatedTokenSavings)
}

func TestBuildOptimizedPromptEmptyContext(t *testing.T) {
	c := newTestCache(t)

	prompt, info := c.BuildOptimizedPrompt("System only.", "", "ollama", "llama3")
	assert.Equal(t, "System only.", prompt)
	assert.False(t, info.CacheHit)
	assert.Zero(t, info.ContextLength)
}

func TestKeySeparatesProvidersAndNormalizesCase(t *testing.T) {
	c := newTestCache(t)

	_, a := c.BuildOptimizedPrompt("sys", "ctx", "OPENAI", "gpt-4o")
	_, b := c.BuildOptimizedPrompt("sys", "ctx", "ANTHROPIC", "claude-3-5-sonnet-20241022")
	assert.NotEqual(t, a.CacheKey, b.CacheKey)
	assert.False(t, b.CacheHit)

	// Provider and model casing must not fragment the cache.
	_, again := c.BuildOptimizedPrompt("sys", "ctx", "openai", "GPT-4o")
	assert.True(t, again.CacheHit)
	assert.Equal(t, a.CacheKey, again.CacheKey)
}

func TestExpiryEvictsOnAccess(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	_, info := c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	require.False(t, info.CacheHit)
	require.Equal(t, 1, c.Len())

	now = now.Add(5*time.Minute + time.Second)
	_, info = c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	assert.False(t, info.CacheHit)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.ExpiredEntries)
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestHitRefreshesTTL(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")

	// Touch the entry just before expiry, then cross the original
	// deadline; the refreshed entry must still be live.
	now = now.Add(4 * time.Minute)
	_, info := c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	require.True(t, info.CacheHit)

	now = now.Add(4 * time.Minute)
	_, info = c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	assert.True(t, info.CacheHit)
	assert.Equal(t, 2, info.HitCount)
}

func TestDisabledCachePassesThrough(t *testing.T) {
	enabled := false
	c := New(config.PromptCacheConfig{Enabled: &enabled})

	prompt, info := c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	assert.False(t, info.CacheHit)
	assert.Empty(t, info.CacheKey)
	assert.True(t, strings.HasPrefix(prompt, "sys"))

	_, info = c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	assert.False(t, info.CacheHit)
	assert.Zero(t, c.Len())
}

func TestSystemPromptFlagExcludesFromKey(t *testing.T) {
	off := false
	c := New(config.PromptCacheConfig{CacheSystemPrompts: &off})

	first, info := c.BuildOptimizedPrompt("prompt A", "shared ctx", "openai", "gpt-4o")
	require.False(t, info.CacheHit)

	// With system prompts excluded from the key, a different system
	// prompt over the same context resolves to the cached composition.
	second, info := c.BuildOptimizedPrompt("prompt B", "shared ctx", "openai", "gpt-4o")
	assert.True(t, info.CacheHit)
	assert.Equal(t, first, second)
}

func TestStatsAndClear(t *testing.T) {
	c := newTestCache(t)

	c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")
	c.BuildOptimizedPrompt("sys", "ctx", "openai", "gpt-4o")

	stats := c.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, int64(2), stats.TotalHits)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Positive(t, stats.EstimatedTokenSavings)
	assert.Equal(t, 300, stats.TTLSeconds)

	assert.Equal(t, 1, c.Clear())
	assert.Zero(t, c.Len())
	// Counters survive a clear.
	assert.Equal(t, int64(2), c.Stats().TotalHits)
}
