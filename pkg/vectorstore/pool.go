package vectorstore

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/embedder"
)

const (
	// defaultIdleExpiry drops handles unused for this long.
	defaultIdleExpiry = 300 * time.Second

	// defaultMaxHandles bounds live handles; the oldest-idle one is
	// evicted when the pool is full.
	defaultMaxHandles = 10
)

// Handle pairs an open vector store with the embedder that produced its
// vectors. Handles are shared across requests and must not be closed by
// callers; the pool owns their lifecycle.
type Handle struct {
	Store    VectorStore
	Embedder embedder.Embedder
}

type poolEntry struct {
	handle     Handle
	collection string
	model      string
	lastUse    time.Time
}

// Pool caches store handles keyed by collection, embedding model, and
// persist directory. Embedders are cached separately by model so stores
// over the same model share one.
type Pool struct {
	storeCfg   config.VectorStoreConfig
	embedders  *embedder.Cache
	idleExpiry time.Duration
	maxHandles int

	mu      sync.RWMutex
	entries map[string]*poolEntry

	nowFn func() time.Time
}

// NewPool creates an empty pool over the given backend and embedding
// configuration.
func NewPool(storeCfg config.VectorStoreConfig, embCfg config.EmbeddingConfig) *Pool {
	return &Pool{
		storeCfg:   storeCfg,
		embedders:  embedder.NewCache(embCfg),
		idleExpiry: defaultIdleExpiry,
		maxHandles: defaultMaxHandles,
		entries:    make(map[string]*poolEntry),
		nowFn:      time.Now,
	}
}

func (p *Pool) key(collection, model string) string {
	return collection + "\x00" + model + "\x00" + p.storeCfg.PersistDirectory
}

// Get returns the handle for (collection, model), opening the store and
// constructing the embedder on first use. Idle handles are swept as a
// side effect.
func (p *Pool) Get(collection, model string) (Handle, error) {
	if collection == "" || model == "" {
		return Handle{}, fmt.Errorf("collection and embedding model are required")
	}

	key := p.key(collection, model)
	now := p.nowFn()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked(now)

	if entry, ok := p.entries[key]; ok {
		entry.lastUse = now
		return entry.handle, nil
	}

	emb, err := p.embedders.Get(model)
	if err != nil {
		return Handle{}, err
	}
	store, err := Open(p.storeCfg, collection)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to open vector store for %s: %w", collection, err)
	}

	if len(p.entries) >= p.maxHandles {
		p.evictOldestLocked()
	}
	p.entries[key] = &poolEntry{
		handle:     Handle{Store: store, Embedder: emb},
		collection: collection,
		model:      model,
		lastUse:    now,
	}
	slog.Debug("Opened vector store handle",
		"collection", collection,
		"model", model,
		"backend", store.Backend(),
		"open_handles", len(p.entries))
	return p.entries[key].handle, nil
}

func (p *Pool) sweepLocked(now time.Time) {
	for key, entry := range p.entries {
		if now.Sub(entry.lastUse) > p.idleExpiry {
			if err := entry.handle.Store.Close(); err != nil {
				slog.Warn("Failed to close idle vector store handle",
					"collection", entry.collection, "error", err)
			}
			delete(p.entries, key)
			slog.Debug("Expired idle vector store handle",
				"collection", entry.collection,
				"idle", now.Sub(entry.lastUse).Round(time.Second))
		}
	}
}

func (p *Pool) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range p.entries {
		if oldestKey == "" || entry.lastUse.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUse
		}
	}
	if oldestKey == "" {
		return
	}
	entry := p.entries[oldestKey]
	if err := entry.handle.Store.Close(); err != nil {
		slog.Warn("Failed to close evicted vector store handle",
			"collection", entry.collection, "error", err)
	}
	delete(p.entries, oldestKey)
	slog.Debug("Evicted oldest vector store handle", "collection", entry.collection)
}

// CleanupAll closes every handle and cached embedder.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	for key, entry := range p.entries {
		if err := entry.handle.Store.Close(); err != nil {
			slog.Warn("Failed to close vector store handle",
				"collection", entry.collection, "error", err)
		}
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if err := p.embedders.Close(); err != nil {
		slog.Warn("Failed to close embedder cache", "error", err)
	}
}

// HandleStat describes one open handle for diagnostics.
type HandleStat struct {
	Collection string  `json:"collection"`
	Model      string  `json:"model"`
	IdleSecs   float64 `json:"idle_seconds"`
}

// Stats reports the open handles and cached embedders.
type Stats struct {
	OpenHandles int          `json:"open_handles"`
	Embedders   int          `json:"embedders"`
	Handles     []HandleStat `json:"handles"`
}

// Stats returns a snapshot of pool state, most recently used first.
func (p *Pool) Stats() Stats {
	now := p.nowFn()

	p.mu.RLock()
	defer p.mu.RUnlock()

	handles := make([]HandleStat, 0, len(p.entries))
	for _, entry := range p.entries {
		handles = append(handles, HandleStat{
			Collection: entry.collection,
			Model:      entry.model,
			IdleSecs:   now.Sub(entry.lastUse).Seconds(),
		})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].IdleSecs < handles[j].IdleSecs })

	return Stats{
		OpenHandles: len(handles),
		Embedders:   p.embedders.Len(),
		Handles:     handles,
	}
}

// Backend names the configured backend.
func (p *Pool) Backend() string {
	if p.storeCfg.Backend == "" {
		return "chromem"
	}
	return p.storeCfg.Backend
}

// PersistDirectory returns the configured persistence root.
func (p *Pool) PersistDirectory() string {
	return p.storeCfg.PersistDirectory
}
