package rerank

// stopWords are common English words ignored during keyword extraction.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "with": {},
	"by": {}, "about": {}, "as": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "has": {}, "have": {}, "had": {}, "be": {}, "been": {},
	"being": {}, "of": {}, "from": {}, "it": {},
}

func isStopWord(word string) bool {
	_, ok := stopWords[word]
	return ok
}
