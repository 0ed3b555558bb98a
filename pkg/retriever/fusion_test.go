package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRRFMergeIdenticalListsKeepOrder(t *testing.T) {
	ids := []string{"x", "y", "z"}
	assert.Equal(t, ids, rrfMerge(ids, ids, 3))
}

func TestRRFMergeOpposedLists(t *testing.T) {
	// A: 1/60 + 1/62, B: 1/61 + 1/61, C: 1/62 + 1/60. A and C tie; the id
	// tie-break puts A first, and B's middle ranks on both sides lose to
	// either extreme.
	got := rrfMerge([]string{"A", "B", "C"}, []string{"C", "B", "A"}, 3)
	assert.Equal(t, []string{"A", "C", "B"}, got)
}

func TestRRFMergeBothListsBeatSingleList(t *testing.T) {
	// B appears in both lists, so even at dense rank 1 it outscores the
	// dense leader A, which the lexical side never saw.
	got := rrfMerge([]string{"A", "B"}, []string{"B"}, 2)
	assert.Equal(t, []string{"B", "A"}, got)
}

func TestRRFMergeDisjointListsTieBreakByID(t *testing.T) {
	got := rrfMerge([]string{"d2", "d1"}, []string{"b1", "b2"}, 4)
	// d2 and b1 both score 1/60 + 1/(60+absent); ids order the tie.
	assert.Equal(t, []string{"b1", "d2", "b2", "d1"}, got)
}

func TestRRFMergeTrimsToTopK(t *testing.T) {
	got := rrfMerge([]string{"a", "b", "c", "d"}, nil, 2)
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Nil(t, rrfMerge([]string{"a"}, []string{"b"}, 0))
}

func TestRRFMergeEmptyInputs(t *testing.T) {
	assert.Empty(t, rrfMerge(nil, nil, 5))
	assert.Equal(t, []string{"a"}, rrfMerge([]string{"a"}, nil, 5))
	assert.Equal(t, []string{"a"}, rrfMerge(nil, []string{"a"}, 5))
}

func TestRRFMergeIgnoresDuplicateRanks(t *testing.T) {
	// A repeated id keeps its first (best) rank.
	got := rrfMerge([]string{"a", "a", "b"}, nil, 3)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRankMap(t *testing.T) {
	ranks := rankMap([]string{"x", "y", "x"})
	assert.Equal(t, map[string]int{"x": 0, "y": 1}, ranks)
}
