// Package promptcache caches composed prompts so repeated questions over
// the same corpus context skip prompt assembly regardless of which LLM
// provider serves them.
package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atlas-hass/atlas/pkg/config"
)

// Info describes the cache outcome for one composed prompt.
type Info struct {
	CacheHit              bool   `json:"cache_hit"`
	CacheKey              string `json:"cache_key,omitempty"`
	HitCount              int    `json:"hit_count,omitempty"`
	PromptLength          int    `json:"prompt_length"`
	SystemLength          int    `json:"system_length"`
	ContextLength         int    `json:"context_length"`
	EstimatedTokenSavings int    `json:"estimated_token_savings,omitempty"`
}

// Stats is the snapshot served by the cache stats endpoint.
type Stats struct {
	Enabled               bool    `json:"enabled"`
	TotalEntries          int     `json:"total_entries"`
	TotalHits             int64   `json:"total_hits"`
	ExpiredEntries        int64   `json:"expired_entries"`
	HitRate               float64 `json:"hit_rate"`
	EstimatedTokenSavings int64   `json:"estimated_token_savings"`
	TTLSeconds            int     `json:"ttl_seconds"`
}

type entry struct {
	systemPrompt string
	contextBlock string
	createdAt    time.Time
	lastUsed     time.Time
	hitCount     int
}

// Cache is an in-process TTL cache of composed prompts keyed by content
// hash. The TTL slides: every hit refreshes an entry's expiry.
type Cache struct {
	enabled      bool
	cacheSystem  bool
	cacheContext bool
	ttl          time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	hits    int64
	misses  int64
	expired int64
	saved   int64

	nowFn func() time.Time
}

// New creates a cache from configuration, applying defaults for unset
// fields.
func New(cfg config.PromptCacheConfig) *Cache {
	cfg.SetDefaults()
	c := &Cache{
		enabled:      *cfg.Enabled,
		cacheSystem:  *cfg.CacheSystemPrompts,
		cacheContext: *cfg.CacheContext,
		ttl:          cfg.TTL,
		entries:      make(map[string]*entry),
		nowFn:        time.Now,
	}
	slog.Info("Prompt cache initialized",
		"enabled", c.enabled,
		"cache_system", c.cacheSystem,
		"cache_context", c.cacheContext,
		"ttl", c.ttl)
	return c
}

// key hashes the components that participate in caching. Provider and
// model are always included so prompts never cross providers.
func (c *Cache) key(system, context, provider, model string) string {
	h := sha256.New()
	if c.cacheSystem {
		io.WriteString(h, system)
	}
	h.Write([]byte{0})
	if c.cacheContext {
		io.WriteString(h, context)
	}
	h.Write([]byte{0})
	io.WriteString(h, strings.ToLower(provider))
	h.Write([]byte{0})
	io.WriteString(h, strings.ToLower(model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// assemble joins the system prompt and the document context block. An
// empty context yields the system prompt alone.
func assemble(system, context string) string {
	if context == "" {
		return system
	}
	return system + "\n\nContext information is below.\n" + context + "\n\n"
}

// BuildOptimizedPrompt returns the assembled prompt for the given
// components, serving it from cache when an unexpired entry exists.
func (c *Cache) BuildOptimizedPrompt(system, context, provider, model string) (string, Info) {
	if !c.enabled {
		prompt := assemble(system, context)
		return prompt, Info{
			PromptLength:  len(prompt),
			SystemLength:  len(system),
			ContextLength: len(context),
		}
	}

	key := c.key(system, context, provider, model)
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if e, ok := c.entries[key]; ok {
		e.lastUsed = now
		e.hitCount++
		c.hits++

		prompt := assemble(e.systemPrompt, e.contextBlock)
		savings := len(prompt) / 4
		c.saved += int64(savings)

		slog.Debug("Prompt cache hit", "key", key[:8], "hit_count", e.hitCount)
		return prompt, Info{
			CacheHit:              true,
			CacheKey:              key,
			HitCount:              e.hitCount,
			PromptLength:          len(prompt),
			SystemLength:          len(e.systemPrompt),
			ContextLength:         len(e.contextBlock),
			EstimatedTokenSavings: savings,
		}
	}

	c.misses++
	c.entries[key] = &entry{
		systemPrompt: system,
		contextBlock: context,
		createdAt:    now,
		lastUsed:     now,
	}

	prompt := assemble(system, context)
	slog.Debug("Prompt cached", "key", key[:8],
		"system_chars", len(system), "context_chars", len(context))
	return prompt, Info{
		CacheKey:      key,
		PromptLength:  len(prompt),
		SystemLength:  len(system),
		ContextLength: len(context),
	}
}

// sweepLocked drops entries unused past the TTL. Callers hold the mutex.
func (c *Cache) sweepLocked(now time.Time) {
	var dropped int64
	for key, e := range c.entries {
		if now.Sub(e.lastUsed) > c.ttl {
			delete(c.entries, key)
			dropped++
		}
	}
	if dropped > 0 {
		c.expired += dropped
		slog.Debug("Swept expired prompt cache entries", "count", dropped)
	}
}

// Stats returns a point-in-time snapshot, sweeping expired entries first.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(c.nowFn())

	lookups := c.hits + c.misses
	var rate float64
	if lookups > 0 {
		rate = float64(c.hits) / float64(lookups)
	}
	return Stats{
		Enabled:               c.enabled,
		TotalEntries:          len(c.entries),
		TotalHits:             c.hits,
		ExpiredEntries:        c.expired,
		HitRate:               rate,
		EstimatedTokenSavings: c.saved,
		TTLSeconds:            int(c.ttl / time.Second),
	}
}

// Clear empties the cache and returns the number of entries removed.
// Counters survive so hit rates remain meaningful across clears.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*entry)
	slog.Info("Prompt cache cleared", "entries", n)
	return n
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
