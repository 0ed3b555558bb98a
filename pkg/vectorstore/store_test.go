package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
)

func seedStore(t *testing.T, dir string) *ChromemStore {
	t.Helper()
	store, err := OpenChromem(dir, "hansard_1901")
	require.NoError(t, err)

	docs := []document.Document{
		{
			ID:   "deb-1#0",
			Text: "The honourable member spoke on the tariff question.",
			Metadata: map[string]any{
				"corpus": "1901_au",
				"year":   1901,
				"title":  "Tariff Debate",
			},
		},
		{
			ID:   "deb-2#0",
			Text: "Federation was the great question before the house.",
			Metadata: map[string]any{
				"corpus": "1901_nz",
				"year":   1901,
				"title":  "Federation Debate",
			},
		},
		{
			ID:   "deb-3#0",
			Text: "The defence estimates were laid upon the table.",
			Metadata: map[string]any{
				"corpus": "1901_au",
				"year":   1902,
				"title":  "Defence Estimates",
			},
		},
	}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	require.NoError(t, store.Add(context.Background(), docs, vectors))
	return store
}

func TestChromemQuery(t *testing.T) {
	store := seedStore(t, t.TempDir())
	defer func() { _ = store.Close() }()

	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "deb-1#0", results[0].Document.ID)
	assert.Equal(t, "deb-3#0", results[1].Document.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "1901_au", results[0].Document.MetaString("corpus"))
}

func TestChromemQueryEqualityFilter(t *testing.T) {
	store := seedStore(t, t.TempDir())
	defer func() { _ = store.Close() }()

	filter := &Filter{Equals: map[string]string{"corpus": "1901_nz"}}
	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 3, filter)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "deb-2#0", results[0].Document.ID)
}

func TestChromemQueryRangePostFilter(t *testing.T) {
	store := seedStore(t, t.TempDir())
	defer func() { _ = store.Close() }()

	filter := &Filter{Ranges: []Range{{Field: "year", Min: IntPtr(1901), Max: IntPtr(1901)}}}
	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 3, filter)
	require.NoError(t, err)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Document.ID)
	}
	assert.ElementsMatch(t, []string{"deb-1#0", "deb-2#0"}, ids)
}

func TestChromemQueryClampsTopK(t *testing.T) {
	store := seedStore(t, t.TempDir())
	defer func() { _ = store.Close() }()

	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 500, nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	_, err = store.Query(context.Background(), []float32{1, 0, 0}, 0, nil)
	require.Error(t, err)
}

func TestChromemEmptyCollection(t *testing.T) {
	store, err := OpenChromem(t.TempDir(), "empty")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemPersistence(t *testing.T) {
	dir := t.TempDir()
	store := seedStore(t, dir)
	require.NoError(t, store.Close())

	reopened, err := OpenChromem(dir, "hansard_1901")
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, 3, reopened.Count())
}

func TestFilterMatches(t *testing.T) {
	doc := document.Document{
		ID: "x#0",
		Metadata: map[string]any{
			"corpus":      "darwin",
			"year":        1860,
			"sender_name": "Charles Darwin",
		},
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil_matches", nil, true},
		{"empty_matches", &Filter{}, true},
		{"equality_hit", &Filter{Equals: map[string]string{"corpus": "darwin"}}, true},
		{"equality_miss", &Filter{Equals: map[string]string{"corpus": "1901_au"}}, false},
		{"missing_field", &Filter{Equals: map[string]string{"recipient_name": "Hooker"}}, false},
		{"range_inside", &Filter{Ranges: []Range{{Field: "year", Min: IntPtr(1855), Max: IntPtr(1865)}}}, true},
		{"range_below", &Filter{Ranges: []Range{{Field: "year", Min: IntPtr(1870)}}}, false},
		{"range_above", &Filter{Ranges: []Range{{Field: "year", Max: IntPtr(1850)}}}, false},
		{
			"combined",
			&Filter{
				Equals: map[string]string{"sender_name": "Charles Darwin"},
				Ranges: []Range{{Field: "year", Min: IntPtr(1860)}},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(doc))
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(config.VectorStoreConfig{Backend: "pinecone"}, "c")
	require.Error(t, err)

	_, err = Open(config.VectorStoreConfig{}, "")
	require.Error(t, err)
}
