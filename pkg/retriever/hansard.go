package retriever

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/rerank"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// hansardCollection is the default index of 1901 parliamentary debates,
// chunked at 1000 characters with 100 overlap.
const hansardCollection = "blert_1000"

var hansardCorpora = []Option{
	{Value: "all", Label: "All Collections"},
	{Value: "1901_au", Label: "Australia (1901)"},
	{Value: "1901_nz", Label: "New Zealand (1901)"},
	{Value: "1901_uk", Label: "United Kingdom (1901)"},
}

func init() {
	Register("hansard", NewHansard)
}

// Hansard retrieves from the 1901 Hansard debates across the Australian,
// New Zealand, and UK collections.
type Hansard struct {
	searcher *searcher
	desc     Description
}

// NewHansard builds the Hansard retriever over the shared handle pool.
func NewHansard(cfg *config.Config, pool *vectorstore.Pool) (Retriever, error) {
	collection := cfg.Retriever.IndexName
	if collection == "" {
		collection = hansardCollection
	}
	s := newSearcher(cfg, pool, collection)
	return &Hansard{
		searcher: s,
		desc: Description{
			Module:         "hansard",
			Collection:     collection,
			EmbeddingModel: cfg.Retriever.EmbeddingModel,
			SearchType:     cfg.Retriever.SearchType,
			ChunkSize:      cfg.Retriever.ChunkSize,
			ChunkOverlap:   cfg.Retriever.ChunkOverlap,
			Algorithm:      cfg.Retriever.Algorithm,
			Pooling:        cfg.Retriever.Pooling,
			HybridReady:    s.hybridReady(),
		},
	}, nil
}

func (h *Hansard) Capabilities() Capabilities {
	return Capabilities{
		Corpus:     FilterCapability{Supported: true, Options: hansardCorpora},
		Direction:  unsupportedFilter(),
		TimePeriod: unsupportedFilter(),
	}
}

func (h *Hansard) Describe() Description {
	return h.desc
}

// Invoke retrieves req.K documents. Queries over all collections are
// balanced so one corpus cannot crowd out the others.
func (h *Hansard) Invoke(ctx context.Context, req Request) ([]document.Document, error) {
	if err := validateRequest(&req, h.Capabilities()); err != nil {
		return nil, err
	}
	if req.CorpusFilter == "" || req.CorpusFilter == "all" {
		return h.balancedSearch(ctx, req)
	}
	return h.searcher.search(ctx, req.Query, req.K, buildFilter(req))
}

// balancedSearch retrieves ceil(k/K) documents from each of the K corpora
// in parallel, reranks within each corpus, and concatenates in declared
// corpus order, trimming the tail back to k.
func (h *Hansard) balancedSearch(ctx context.Context, req Request) ([]document.Document, error) {
	corpora := h.corpusValues()
	perCorpus := (req.K + len(corpora) - 1) / len(corpora)

	results := make([][]document.Document, len(corpora))
	g, gctx := errgroup.WithContext(ctx)
	for i, corpus := range corpora {
		g.Go(func() error {
			filter := &vectorstore.Filter{Equals: map[string]string{"corpus": corpus}}
			docs, err := h.searcher.search(gctx, req.Query, perCorpus, filter)
			if err != nil {
				return fmt.Errorf("corpus %s: %w", corpus, err)
			}
			ranked, err := rerank.Documents(gctx, req.Query, docs, len(docs))
			if err != nil {
				return fmt.Errorf("corpus %s: %w", corpus, err)
			}
			results[i] = ranked
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []document.Document
	for _, docs := range results {
		out = append(out, docs...)
	}
	if len(out) > req.K {
		out = out[:req.K]
	}
	return out, nil
}

// corpusValues returns the concrete corpus tags, skipping the "all" option.
func (h *Hansard) corpusValues() []string {
	values := make([]string, 0, len(hansardCorpora)-1)
	for _, opt := range hansardCorpora {
		if opt.Value == "all" {
			continue
		}
		values = append(values, opt.Value)
	}
	return values
}

func (h *Hansard) Close() error {
	return h.searcher.close()
}
