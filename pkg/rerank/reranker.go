// Package rerank rescores retrieved documents against the query using
// lexical signals: exact phrase match, keyword frequency, keyword
// proximity, and metadata hits. Scores land in [0, 10].
package rerank

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/atlas-hass/atlas/pkg/document"
)

const (
	weightExactMatch  = 0.5
	weightKeywordFreq = 0.3
	weightProximity   = 0.2

	exactMatchScore    = 10.0
	maxKeywordScore    = 5.0
	proximityWindow    = 50
	metadataMatchBonus = 0.5
	maxScore           = 10.0

	minTermLength = 3

	// batchSize bounds work between context checks so cancellation is
	// observed on large candidate sets.
	batchSize = 50
)

var wordPattern = regexp.MustCompile(`\w+`)

// Compiled keyword and proximity patterns are cached process-wide; query
// vocabularies repeat heavily across a session.
var (
	patternMu        sync.RWMutex
	keywordPatterns  = make(map[string]*regexp.Regexp)
	proximityPattern = make(map[string]*regexp.Regexp)
)

func keywordPattern(keyword string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := keywordPatterns[keyword]
	patternMu.RUnlock()
	if ok {
		return re
	}
	re = regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`)
	patternMu.Lock()
	keywordPatterns[keyword] = re
	patternMu.Unlock()
	return re
}

func proximityRe(kw1, kw2 string) *regexp.Regexp {
	key := kw1 + "\x00" + kw2
	patternMu.RLock()
	re, ok := proximityPattern[key]
	patternMu.RUnlock()
	if ok {
		return re
	}
	re = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw1) + `(.{0,` + strconv.Itoa(proximityWindow) + `})` + regexp.QuoteMeta(kw2) + `\b`)
	patternMu.Lock()
	proximityPattern[key] = re
	patternMu.Unlock()
	return re
}

// Ranked pairs a document with its relevance score.
type Ranked struct {
	Document document.Document
	Score    float64
}

// Keywords extracts scoring terms from the query: lowercased word
// tokens, stop words and terms shorter than three characters removed.
func Keywords(query string) []string {
	tokens := wordPattern.FindAllString(strings.ToLower(query), -1)
	keywords := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) < minTermLength || isStopWord(tok) {
			continue
		}
		keywords = append(keywords, tok)
	}
	return keywords
}

// Score computes the relevance of one document to the query.
func Score(doc document.Document, query string) float64 {
	if doc.Text == "" {
		return 0
	}
	content := strings.ToLower(doc.Text)
	queryLower := strings.ToLower(query)
	keywords := Keywords(query)

	var phraseScore float64
	if strings.Contains(content, queryLower) {
		phraseScore = exactMatchScore
	}

	var keywordScore float64
	for _, kw := range keywords {
		count := float64(len(keywordPattern(kw).FindAllString(content, -1)))
		if count > maxKeywordScore {
			count = maxKeywordScore
		}
		keywordScore += count
	}

	var proximityScore float64
	if len(keywords) > 1 {
		for i, kw1 := range keywords[:len(keywords)-1] {
			for _, kw2 := range keywords[i+1:] {
				if proximityRe(kw1, kw2).MatchString(content) {
					proximityScore++
				}
				if proximityRe(kw2, kw1).MatchString(content) {
					proximityScore++
				}
			}
		}
	}

	total := phraseScore*weightExactMatch +
		keywordScore*weightKeywordFreq +
		proximityScore*weightProximity

	for _, value := range doc.Metadata {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				total += metadataMatchBonus
				break
			}
		}
	}

	if total > maxScore {
		total = maxScore
	}
	return total
}

// Rerank scores documents against the query and returns up to maxDocs
// of them, best first. Ties keep their retrieval order. An empty query
// passes documents through unscored. Cancellation is checked between
// batches of 50.
func Rerank(ctx context.Context, query string, docs []document.Document, maxDocs int) ([]Ranked, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if maxDocs <= 0 {
		maxDocs = len(docs)
	}

	if strings.TrimSpace(query) == "" {
		n := min(maxDocs, len(docs))
		out := make([]Ranked, 0, n)
		for _, doc := range docs[:n] {
			out = append(out, Ranked{Document: doc})
		}
		return out, nil
	}

	ranked := make([]Ranked, 0, len(docs))
	for start := 0; start < len(docs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(docs))
		for _, doc := range docs[start:end] {
			ranked = append(ranked, Ranked{Document: doc, Score: Score(doc, query)})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > maxDocs {
		ranked = ranked[:maxDocs]
	}
	return ranked, nil
}

// Documents is Rerank stripped to the reordered documents.
func Documents(ctx context.Context, query string, docs []document.Document, maxDocs int) ([]document.Document, error) {
	ranked, err := Rerank(ctx, query, docs, maxDocs)
	if err != nil {
		return nil, err
	}
	out := make([]document.Document, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Document)
	}
	return out, nil
}
