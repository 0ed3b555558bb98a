// Package vectorstore provides dense vector search over pre-built corpus
// indexes. Two backends are supported: chromem (embedded, persisted as gob
// files) and qdrant (external, gRPC). Handles are shared across requests
// through a Pool keyed by collection, embedding model, and persist
// directory.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
)

// Range bounds an integer metadata field. Nil ends are unbounded; both
// bounds are inclusive.
type Range struct {
	Field string
	Min   *int
	Max   *int
}

// Filter constrains a query by document metadata. Equals entries match
// exactly; Ranges apply to integer fields such as year.
type Filter struct {
	Equals map[string]string
	Ranges []Range
}

// IsZero reports whether the filter constrains nothing.
func (f *Filter) IsZero() bool {
	return f == nil || (len(f.Equals) == 0 && len(f.Ranges) == 0)
}

// Matches applies the full predicate to a document. Backends push what
// they can into the index; callers re-apply this for the rest.
func (f *Filter) Matches(doc document.Document) bool {
	if f.IsZero() {
		return true
	}
	for key, want := range f.Equals {
		if doc.MetaString(key) != want {
			return false
		}
	}
	for _, r := range f.Ranges {
		val := doc.MetaInt(r.Field)
		if r.Min != nil && val < *r.Min {
			return false
		}
		if r.Max != nil && val > *r.Max {
			return false
		}
	}
	return true
}

// Result is a scored document from a vector query.
type Result struct {
	Document document.Document
	Score    float32
}

// VectorStore answers nearest-neighbor queries against one collection.
type VectorStore interface {
	// Query returns up to topK documents nearest to vector, best first.
	// Filter may be nil.
	Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error)

	// Backend names the implementation, for diagnostics.
	Backend() string

	// Close releases backend resources.
	Close() error
}

// Open creates a store for the configured backend bound to collection.
func Open(cfg config.VectorStoreConfig, collection string) (VectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "chromem":
		return OpenChromem(cfg.PersistDirectory, collection)
	case "qdrant":
		return OpenQdrant(cfg.Qdrant, collection)
	default:
		return nil, fmt.Errorf("unknown vector store backend: %s", cfg.Backend)
	}
}

// IntPtr returns a pointer to v, for building Range bounds.
func IntPtr(v int) *int {
	return &v
}
