package retriever

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, path string, records ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(records, "\n")+"\n"), 0o644))
}

func openSidecarIndex(t *testing.T, records ...string) *BM25Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bm25_corpus.jsonl")
	writeSidecar(t, path, records...)
	idx, err := OpenBM25(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBM25Ranking(t *testing.T) {
	idx := openSidecarIndex(t,
		`{"id":"h1#0","text":"the tariff bill was debated at length in the house","metadata":{"corpus":"1901_au"}}`,
		`{"id":"h2#0","text":"wool tariff duties on imports","metadata":{"corpus":"1901_nz"}}`,
		`{"id":"h3#0","text":"members discussed railways and telegraphs","metadata":{"corpus":"1901_uk"}}`,
	)

	ids := idx.TopIDs("wool tariff", 10)
	// h2 matches both terms in a shorter document; h3 matches nothing and
	// is not ranked at all.
	assert.Equal(t, []string{"h2#0", "h1#0"}, ids)

	assert.Equal(t, []string{"h2#0"}, idx.TopIDs("wool tariff", 1))
	assert.Empty(t, idx.TopIDs("zeppelin", 10))
	assert.Nil(t, idx.TopIDs("wool", 0))
}

func TestBM25CommonTermStillScores(t *testing.T) {
	// "tariff" appears in two of three documents, giving it a negative raw
	// IDF; the epsilon floor keeps matching documents ranked.
	idx := openSidecarIndex(t,
		`{"id":"a#0","text":"tariff on imports"}`,
		`{"id":"b#0","text":"tariff tariff everywhere in this much longer debate record"}`,
		`{"id":"c#0","text":"railways and harbours"}`,
	)
	ids := idx.TopIDs("tariff", 10)
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, "c#0")
}

func TestBM25TieKeepsRecordOrder(t *testing.T) {
	idx := openSidecarIndex(t,
		`{"id":"first#0","text":"identical wording"}`,
		`{"id":"second#0","text":"identical wording"}`,
		`{"id":"other#0","text":"something else entirely"}`,
	)
	assert.Equal(t, []string{"first#0", "second#0"}, idx.TopIDs("identical wording", 10))
}

func TestBM25DocumentLookup(t *testing.T) {
	idx := openSidecarIndex(t,
		`{"id":"DCP-LETT-9#1","text":"barnacle specimens","metadata":{"letter_id":"DCP-LETT-9","chunk_index":1,"year":1855}}`,
	)

	doc, ok := idx.Document("DCP-LETT-9#1")
	require.True(t, ok)
	assert.Equal(t, "DCP-LETT-9#1", doc.ID)
	assert.Equal(t, "barnacle specimens", doc.Text)
	assert.Equal(t, "DCP-LETT-9", doc.MetaString("letter_id"))
	assert.Equal(t, 1855, doc.MetaInt("year"))
	assert.Equal(t, 1, doc.ChunkIndex())

	_, ok = idx.Document("missing#0")
	assert.False(t, ok)
}

func TestBM25SkipsMalformedLines(t *testing.T) {
	idx := openSidecarIndex(t,
		`{"id":"good#0","text":"kept"}`,
		`{not json`,
		`{"text":"record without id"}`,
		`{"id":"good#1","text":"also kept"}`,
	)
	assert.Equal(t, 2, idx.Len())
}

func TestOpenBM25MissingFile(t *testing.T) {
	_, err := OpenBM25(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}

func TestOpenBM25NoUsableRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bm25_corpus.jsonl")
	writeSidecar(t, path, `garbage`)
	_, err := OpenBM25(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable records")
}

func TestBM25HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bm25_corpus.jsonl")
	writeSidecar(t, path, `{"id":"h1#0","text":"tariff debate"}`)

	idx, err := OpenBM25(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.Equal(t, 1, idx.Len())

	writeSidecar(t, path,
		`{"id":"h1#0","text":"tariff debate"}`,
		`{"id":"h2#0","text":"wool duties"}`,
	)

	assert.Eventually(t, func() bool {
		return idx.Len() == 2
	}, 3*time.Second, 25*time.Millisecond, "watcher should reload the rewritten sidecar")
}

func TestBM25ReloadKeepsIndexOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bm25_corpus.jsonl")
	writeSidecar(t, path, `{"id":"h1#0","text":"tariff debate"}`)

	idx, err := OpenBM25(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	// A truncated rewrite must not wipe the served index.
	idx.reload()
	writeSidecar(t, path, `broken`)
	idx.reload()
	assert.Equal(t, 1, idx.Len())

	doc, ok := idx.Document("h1#0")
	assert.True(t, ok)
	assert.Equal(t, "tariff debate", doc.Text)
}
