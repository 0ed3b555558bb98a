package retriever

import (
	"context"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// darwinCollection is the default index of Darwin correspondence, chunked
// at 1500 characters with 250 overlap.
const darwinCollection = "darwin"

var darwinDirections = []Option{
	{Value: "all", Label: "All Letters"},
	{Value: "sent", Label: "Sent by Darwin"},
	{Value: "received", Label: "Received by Darwin"},
}

var darwinTimePeriods = []Option{
	{Value: "all", Label: "All Years"},
	{Value: "1821-1840", Label: "1821-1840"},
	{Value: "1831-1850", Label: "1831-1850"},
	{Value: "1850-1870", Label: "1850-1870"},
	{Value: "1870-1882", Label: "1870-1882"},
}

func init() {
	Register("darwin", NewDarwin)
}

// Darwin retrieves from the Darwin correspondence corpus. Letters filter by
// direction (sent or received by Darwin) and by year range.
type Darwin struct {
	searcher *searcher
	desc     Description
}

// NewDarwin builds the Darwin retriever over the shared handle pool.
func NewDarwin(cfg *config.Config, pool *vectorstore.Pool) (Retriever, error) {
	collection := cfg.Retriever.IndexName
	if collection == "" {
		collection = darwinCollection
	}
	s := newSearcher(cfg, pool, collection)
	return &Darwin{
		searcher: s,
		desc: Description{
			Module:         "darwin",
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

func (d *Darwin) Capabilities() Capabilities {
	return Capabilities{
		Corpus:     unsupportedFilter(),
		Direction:  FilterCapability{Supported: true, Options: darwinDirections},
		TimePeriod: FilterCapability{Supported: true, Options: darwinTimePeriods},
	}
}

func (d *Darwin) Describe() Description {
	return d.desc
}

func (d *Darwin) Invoke(ctx context.Context, req Request) ([]document.Document, error) {
	if err := validateRequest(&req, d.Capabilities()); err != nil {
		return nil, err
	}
	return d.searcher.search(ctx, req.Query, req.K, buildFilter(req))
}

func (d *Darwin) Close() error {
	return d.searcher.close()
}
