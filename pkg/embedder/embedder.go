// Package embedder turns query text into dense vectors for similarity
// search. Two providers are supported: a local Ollama server and any
// OpenAI-compatible embeddings endpoint.
package embedder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/atlas-hass/atlas/pkg/config"
)

// Embedder converts text into a dense vector.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the embedding model name.
	Model() string

	// Close releases provider resources.
	Close() error
}

// New builds an embedder for the configured provider and model.
func New(cfg config.EmbeddingConfig, model string) (Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "ollama":
		return NewOllamaEmbedder(cfg.BaseURL, model, cfg.Device), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.BaseURL, model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// Cache hands out one embedder per model name. Embedders are safe for
// concurrent use, so callers share the cached instance.
type Cache struct {
	mu        sync.Mutex
	cfg       config.EmbeddingConfig
	embedders map[string]Embedder
}

// NewCache creates an empty embedder cache.
func NewCache(cfg config.EmbeddingConfig) *Cache {
	return &Cache{
		cfg:       cfg,
		embedders: make(map[string]Embedder),
	}
}

// Get returns the embedder for model, constructing it on first use.
func (c *Cache) Get(model string) (Embedder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if emb, ok := c.embedders[model]; ok {
		return emb, nil
	}
	emb, err := New(c.cfg, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder for %s: %w", model, err)
	}
	c.embedders[model] = emb
	return emb, nil
}

// Close closes every cached embedder and empties the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for model, emb := range c.embedders {
		if err := emb.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close embedder %s: %w", model, err)
		}
		delete(c.embedders, model)
	}
	return firstErr
}

// Len reports how many embedders are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.embedders)
}
