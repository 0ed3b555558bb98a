package retriever

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// stubEmbedServer serves the Ollama embeddings API with a fixed vector per
// prompt so dense rankings stay deterministic.
func stubEmbedServer(t *testing.T, vectors map[string][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec, ok := vectors[req.Prompt]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"embedding": vec}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, module, collection, embedURL string) (*config.Config, *vectorstore.Pool) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retriever.Module = module
	cfg.Retriever.IndexName = collection
	cfg.Retriever.SearchType = "similarity"
	cfg.Embedding.BaseURL = embedURL
	cfg.VectorStore.PersistDirectory = t.TempDir()

	pool := vectorstore.NewPool(cfg.VectorStore, cfg.Embedding)
	t.Cleanup(pool.CleanupAll)
	return cfg, pool
}

func seedCollection(t *testing.T, persistDir, collection string, docs []document.Document, vectors [][]float32) {
	t.Helper()
	store, err := vectorstore.OpenChromem(persistDir, collection)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), docs, vectors))
	require.NoError(t, store.Close())
}

func hansardDoc(id, corpus, text string) document.Document {
	return document.Document{
		ID:   id + "#0",
		Text: text,
		Metadata: map[string]any{
			"id":     id,
			"corpus": corpus,
			"date":   "1901-05-21",
		},
	}
}

// seedHansard loads six debates, two per corpus, with vectors ordered by
// similarity to the test query's {1,0,0} embedding.
func seedHansard(t *testing.T, cfg *config.Config) {
	docs := []document.Document{
		hansardDoc("au-1", "1901_au", "Proceedings of the first sitting in Melbourne"),
		hansardDoc("au-2", "1901_au", "Second reading in Melbourne"),
		hansardDoc("nz-1", "1901_nz", "Wellington chamber proceedings"),
		hansardDoc("nz-2", "1901_nz", "Wellington supplementary business"),
		hansardDoc("uk-1", "1901_uk", "Westminster chamber proceedings"),
		hansardDoc("uk-2", "1901_uk", "Westminster supplementary business"),
	}
	vectors := [][]float32{
		{0.95, 0.1, 0},
		{0.9, 0.2, 0},
		{0.8, 0.3, 0},
		{0.2, 0.9, 0},
		{0.7, 0.4, 0},
		{0.1, 0.2, 0.9},
	}
	seedCollection(t, cfg.VectorStore.PersistDirectory, cfg.Retriever.IndexName, docs, vectors)
}

func newHansardUnderTest(t *testing.T) Retriever {
	t.Helper()
	srv := stubEmbedServer(t, map[string][]float32{
		"imperial preference": {1, 0, 0},
	})
	cfg, pool := testConfig(t, "hansard", "hansard_1901", srv.URL)
	seedHansard(t, cfg)

	r, err := NewHansard(cfg, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func docIDs(docs []document.Document) []string {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return ids
}

func TestHansardCorpusFilter(t *testing.T) {
	r := newHansardUnderTest(t)

	docs, err := r.Invoke(context.Background(), Request{
		Query:        "imperial preference",
		K:            2,
		CorpusFilter: "1901_nz",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nz-1#0", "nz-2#0"}, docIDs(docs))
	for _, doc := range docs {
		assert.Equal(t, "1901_nz", doc.MetaString("corpus"))
	}
}

func TestHansardBalancedAcrossCorpora(t *testing.T) {
	r := newHansardUnderTest(t)

	docs, err := r.Invoke(context.Background(), Request{
		Query:        "imperial preference",
		K:            3,
		CorpusFilter: "all",
	})
	require.NoError(t, err)
	// One document per corpus, concatenated in declared corpus order.
	assert.Equal(t, []string{"au-1#0", "nz-1#0", "uk-1#0"}, docIDs(docs))

	docs, err = r.Invoke(context.Background(), Request{Query: "imperial preference", K: 4})
	require.NoError(t, err)
	// ceil(4/3)=2 per corpus; the trailing trim drops the UK pair.
	assert.Equal(t, []string{"au-1#0", "au-2#0", "nz-1#0", "nz-2#0"}, docIDs(docs))
}

func TestHansardValidation(t *testing.T) {
	r := newHansardUnderTest(t)
	ctx := context.Background()

	_, err := r.Invoke(ctx, Request{Query: "q", K: 3, CorpusFilter: "1901_fr"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Invoke(ctx, Request{Query: "", K: 3})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Invoke(ctx, Request{Query: "q", K: 0})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHansardCapabilities(t *testing.T) {
	r := newHansardUnderTest(t)

	caps := r.Capabilities()
	assert.True(t, caps.Corpus.Supported)
	assert.Len(t, caps.Corpus.Options, 4)
	assert.False(t, caps.Direction.Supported)
	assert.NotNil(t, caps.Direction.Options)
	assert.False(t, caps.TimePeriod.Supported)

	desc := r.Describe()
	assert.Equal(t, "hansard", desc.Module)
	assert.Equal(t, "hansard_1901", desc.Collection)
	assert.False(t, desc.HybridReady)
}

func darwinDoc(letterID string, sender, recipient string, year int, text string) document.Document {
	return document.Document{
		ID:   letterID + "#0",
		Text: text,
		Metadata: map[string]any{
			"letter_id":      letterID,
			"chunk_index":    0,
			"total_chunks":   1,
			"sender_name":    sender,
			"recipient_name": recipient,
			"year":           year,
			"corpus":         "darwin",
		},
	}
}

func seedDarwin(t *testing.T, cfg *config.Config) {
	docs := []document.Document{
		darwinDoc("DCP-LETT-1", darwinName, "Hooker, J. D.", 1840, "Thoughts on coral reefs"),
		darwinDoc("DCP-LETT-2", "Hooker, J. D.", darwinName, 1845, "Kew specimens arrived"),
		darwinDoc("DCP-LETT-3", darwinName, "Gray, A.", 1860, "Divergence of varieties"),
		darwinDoc("DCP-LETT-4", "Gray, A.", darwinName, 1875, "Orchid observations"),
	}
	vectors := [][]float32{
		{0.9, 0.1, 0},
		{0.8, 0.2, 0},
		{0.7, 0.3, 0},
		{0.6, 0.4, 0},
	}
	seedCollection(t, cfg.VectorStore.PersistDirectory, cfg.Retriever.IndexName, docs, vectors)
}

func newDarwinUnderTest(t *testing.T) Retriever {
	t.Helper()
	srv := stubEmbedServer(t, map[string][]float32{
		"natural selection": {1, 0, 0},
	})
	cfg, pool := testConfig(t, "darwin", "darwin", srv.URL)
	seedDarwin(t, cfg)

	r, err := NewDarwin(cfg, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestDarwinDirectionFilter(t *testing.T) {
	r := newDarwinUnderTest(t)
	ctx := context.Background()

	docs, err := r.Invoke(ctx, Request{Query: "natural selection", K: 10, DirectionFilter: "sent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-1#0", "DCP-LETT-3#0"}, docIDs(docs))

	docs, err = r.Invoke(ctx, Request{Query: "natural selection", K: 10, DirectionFilter: "received"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-2#0", "DCP-LETT-4#0"}, docIDs(docs))
}

func TestDarwinTimePeriodFilter(t *testing.T) {
	r := newDarwinUnderTest(t)
	ctx := context.Background()

	docs, err := r.Invoke(ctx, Request{Query: "natural selection", K: 10, TimePeriodFilter: "1831-1850"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-1#0", "DCP-LETT-2#0"}, docIDs(docs))

	docs, err = r.Invoke(ctx, Request{Query: "natural selection", K: 10, TimePeriodFilter: "1860"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-3#0"}, docIDs(docs))

	docs, err = r.Invoke(ctx, Request{
		Query:            "natural selection",
		K:                10,
		DirectionFilter:  "sent",
		TimePeriodFilter: "1831-1850",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-1#0"}, docIDs(docs))
}

func TestDarwinHybridMaterializesFromSidecar(t *testing.T) {
	srv := stubEmbedServer(t, map[string][]float32{
		"barnacle specimens": {1, 0, 0},
	})
	cfg, pool := testConfig(t, "darwin", "darwin", srv.URL)
	cfg.Retriever.SearchType = "hybrid"

	sidecar := filepath.Join(t.TempDir(), "bm25_corpus.jsonl")
	writeSidecar(t, sidecar,
		`{"id":"DCP-LETT-2#0","text":"barnacle specimens from the beagle voyage","metadata":{"letter_id":"DCP-LETT-2","chunk_index":0,"sender_name":"Hooker, J. D.","recipient_name":"Darwin, C. R.","year":1845}}`,
		`{"id":"DCP-LETT-5#0","text":"barnacle specimens catalogue complete","metadata":{"letter_id":"DCP-LETT-5","chunk_index":0,"sender_name":"Darwin, C. R.","recipient_name":"Hooker, J. D.","year":1854}}`,
		`{"id":"DCP-LETT-1#0","text":"weather observations","metadata":{"letter_id":"DCP-LETT-1","chunk_index":0,"sender_name":"Darwin, C. R.","recipient_name":"Hooker, J. D.","year":1840}}`,
	)
	cfg.Retriever.BM25CorpusPath = sidecar

	// The vector store only knows letters 1 and 2; letter 5 exists solely
	// in the lexical sidecar.
	seedCollection(t, cfg.VectorStore.PersistDirectory, "darwin", []document.Document{
		darwinDoc("DCP-LETT-2", "Hooker, J. D.", darwinName, 1845, "barnacle specimens from the beagle voyage"),
		darwinDoc("DCP-LETT-1", darwinName, "Hooker, J. D.", 1840, "weather observations"),
	}, [][]float32{
		{0.9, 0.1, 0},
		{0.5, 0.5, 0},
	})

	r, err := NewDarwin(cfg, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.True(t, r.Describe().HybridReady)

	docs, err := r.Invoke(context.Background(), Request{Query: "barnacle specimens", K: 3})
	require.NoError(t, err)
	// Letter 2 leads both rankings; letter 5 enters through the lexical
	// side alone, proving materialization from the sidecar.
	assert.Equal(t, []string{"DCP-LETT-2#0", "DCP-LETT-5#0", "DCP-LETT-1#0"}, docIDs(docs))

	// The metadata filter is re-applied to fused results: letter 5 was
	// sent by Darwin and must not survive a received filter.
	docs, err = r.Invoke(context.Background(), Request{
		Query:           "barnacle specimens",
		K:               3,
		DirectionFilter: "received",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DCP-LETT-2#0"}, docIDs(docs))
}

func TestNewSelectsRegisteredModule(t *testing.T) {
	srv := stubEmbedServer(t, nil)

	cfg, pool := testConfig(t, "hansard", "hansard_1901", srv.URL)
	r, err := New(cfg, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.IsType(t, &Hansard{}, r)

	cfg2, pool2 := testConfig(t, "darwin", "darwin", srv.URL)
	r2, err := New(cfg2, pool2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r2.Close() })
	assert.IsType(t, &Darwin{}, r2)
}

func TestNewUnknownModule(t *testing.T) {
	srv := stubEmbedServer(t, nil)
	cfg, pool := testConfig(t, "hansard", "hansard_1901", srv.URL)
	cfg.Retriever.Module = "papers"

	_, err := New(cfg, pool)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModules(t *testing.T) {
	assert.Equal(t, []string{"darwin", "hansard"}, Modules())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() { Register("darwin", NewDarwin) })
	assert.Panics(t, func() { Register("custom", nil) })
}
