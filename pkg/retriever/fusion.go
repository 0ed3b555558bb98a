package retriever

import "sort"

// Reciprocal rank fusion constants. absentRank keeps ids that appear in only
// one list comparable without special cases.
const (
	rrfK       = 60
	absentRank = 1_000_000
)

// rrfMerge fuses two ranked id lists by reciprocal rank: each id scores
// 1/(60+rank) per list, ranks counted from 0. Returns the top ids ordered by
// fused score, ties broken by id so fusion is deterministic.
func rrfMerge(dense, lexical []string, topK int) []string {
	if topK <= 0 {
		return nil
	}

	denseRank := rankMap(dense)
	lexRank := rankMap(lexical)

	type fused struct {
		id    string
		score float64
	}
	merged := make([]fused, 0, len(denseRank)+len(lexRank))
	seen := make(map[string]struct{}, len(denseRank)+len(lexRank))
	for _, ids := range [][]string{dense, lexical} {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rd, ok := denseRank[id]
			if !ok {
				rd = absentRank
			}
			rl, ok := lexRank[id]
			if !ok {
				rl = absentRank
			}
			score := 1.0/float64(rrfK+rd) + 1.0/float64(rrfK+rl)
			merged = append(merged, fused{id: id, score: score})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].id < merged[j].id
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}
	out := make([]string, len(merged))
	for i, f := range merged {
		out[i] = f.id
	}
	return out
}

func rankMap(ids []string) map[string]int {
	ranks := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := ranks[id]; dup {
			continue
		}
		ranks[id] = i
	}
	return ranks
}
