// Package retriever answers corpus queries. Each corpus module (hansard,
// darwin) adapts a shared dense/hybrid searcher to its own collection,
// filter vocabulary, and balancing rules, and registers itself under the
// module name selected by RETRIEVER_MODULE.
package retriever

import (
	"context"
	"errors"

	"github.com/atlas-hass/atlas/pkg/document"
)

// MaxQueryChars bounds accepted query length.
const MaxQueryChars = 2000

// Sentinel error kinds. Handlers map ErrValidation to 400 and ErrTransient
// to 503; the pipeline retries ErrTransient failures.
var (
	ErrValidation = errors.New("invalid retrieval request")
	ErrTransient  = errors.New("transient retrieval failure")
)

// Request carries one retrieval call. Filters the retriever does not
// support are ignored; supported filters with unknown values fail with
// ErrValidation.
type Request struct {
	Query string
	K     int

	// CorpusFilter selects a corpus subset ("all" or empty for no filter).
	CorpusFilter string

	// DirectionFilter is "sent" or "received" for correspondence corpora.
	DirectionFilter string

	// TimePeriodFilter is a year ("1859") or inclusive range ("1831-1850").
	TimePeriodFilter string

	// SessionID and QAID link retrieval spans to the conversation.
	SessionID string
	QAID      string
}

// Option is one selectable filter value with its display label.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FilterCapability describes one filter dimension of a retriever.
type FilterCapability struct {
	Supported bool     `json:"supported"`
	Options   []Option `json:"options"`
}

// Capabilities enumerates the filters a retriever accepts. Served verbatim
// by GET /api/retriever/filters.
type Capabilities struct {
	Corpus     FilterCapability `json:"corpus"`
	Direction  FilterCapability `json:"direction"`
	TimePeriod FilterCapability `json:"time_period"`
}

// Description is the stable retriever summary reported by /api/config and
// /api/diagnostics.
type Description struct {
	Module         string `json:"module"`
	Collection     string `json:"collection"`
	EmbeddingModel string `json:"embedding_model"`
	SearchType     string `json:"search_type"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	Algorithm      string `json:"algorithm"`
	Pooling        string `json:"pooling"`

	// HybridReady reports whether the lexical sidecar loaded.
	HybridReady bool `json:"hybrid_ready"`
}

// Retriever retrieves documents for a query, ordered most relevant first.
type Retriever interface {
	Invoke(ctx context.Context, req Request) ([]document.Document, error)
	Capabilities() Capabilities
	Describe() Description
	Close() error
}

func unsupportedFilter() FilterCapability {
	return FilterCapability{Options: []Option{}}
}
