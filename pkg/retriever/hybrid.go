package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// searcher runs dense and hybrid retrieval against one collection through
// the shared handle pool. Corpus adapters wrap it with their filter
// vocabulary.
type searcher struct {
	pool       *vectorstore.Pool
	bm25       *BM25Index
	collection string
	model      string
	searchType string
	threshold  float64
	timeout    time.Duration
}

func newSearcher(cfg *config.Config, pool *vectorstore.Pool, collection string) *searcher {
	return &searcher{
		pool:       pool,
		bm25:       openSidecar(cfg.Retriever.BM25CorpusPath),
		collection: collection,
		model:      cfg.Retriever.EmbeddingModel,
		searchType: cfg.Retriever.SearchType,
		threshold:  cfg.Retriever.SearchScoreThreshold,
		timeout:    cfg.Retriever.RequestTimeoutDuration(),
	}
}

// openSidecar loads the lexical sidecar when configured. Failures degrade
// to dense-only retrieval rather than blocking startup.
func openSidecar(path string) *BM25Index {
	if path == "" {
		return nil
	}
	idx, err := OpenBM25(path)
	if err != nil {
		slog.Warn("BM25 sidecar unavailable, dense-only retrieval", "path", path, "error", err)
		return nil
	}
	return idx
}

func (s *searcher) hybridReady() bool {
	return s.searchType == "hybrid" && s.bm25 != nil && s.bm25.Len() > 0
}

// search retrieves the top k documents for query under filter, hybrid when
// the sidecar is loaded, dense otherwise.
func (s *searcher) search(ctx context.Context, query string, k int, filter *vectorstore.Filter) ([]document.Document, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	handle, err := s.pool.Get(s.collection, s.model)
	if err != nil {
		return nil, fmt.Errorf("%w: open handle for %s: %w", ErrTransient, s.collection, err)
	}

	if s.hybridReady() {
		return s.hybridSearch(ctx, handle, query, k, filter)
	}
	return s.dense(ctx, handle, query, k, filter)
}

// dense embeds the query and runs nearest-neighbor search. The full filter
// is re-applied here: backends only evaluate the equality subset natively.
func (s *searcher) dense(ctx context.Context, h vectorstore.Handle, query string, k int, filter *vectorstore.Filter) ([]document.Document, error) {
	vector, err := h.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrTransient, err)
	}

	results, err := h.Store.Query(ctx, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %s search: %w", ErrTransient, h.Store.Backend(), err)
	}

	docs := make([]document.Document, 0, len(results))
	for _, res := range results {
		if s.threshold > 0 && float64(res.Score) < s.threshold {
			continue
		}
		if filter != nil && !filter.Matches(res.Document) {
			continue
		}
		docs = append(docs, res.Document)
	}
	return docs, nil
}

// hybridSearch fuses dense and lexical rankings by reciprocal rank. Both
// sides retrieve a deep candidate pool so fusion has real overlap to work
// with, then the fused ids are materialized from the sidecar.
func (s *searcher) hybridSearch(ctx context.Context, h vectorstore.Handle, query string, k int, filter *vectorstore.Filter) ([]document.Document, error) {
	perSide := max(10*k, 100)

	denseDocs, err := s.dense(ctx, h, query, perSide, filter)
	if err != nil {
		return nil, err
	}
	denseIDs := make([]string, len(denseDocs))
	for i, doc := range denseDocs {
		denseIDs[i] = doc.ID
	}

	lexIDs := s.bm25.TopIDs(query, perSide)
	if len(denseIDs) == 0 && len(lexIDs) == 0 {
		return nil, nil
	}

	fused := rrfMerge(denseIDs, lexIDs, k)
	return s.materialize(fused, filter), nil
}

// materialize resolves fused ids through the sidecar. The filter is applied
// again because the lexical ranking ignores metadata entirely.
func (s *searcher) materialize(ids []string, filter *vectorstore.Filter) []document.Document {
	docs := make([]document.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := s.bm25.Document(id)
		if !ok {
			continue
		}
		if filter != nil && !filter.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (s *searcher) close() error {
	if s.bm25 != nil {
		return s.bm25.Close()
	}
	return nil
}
