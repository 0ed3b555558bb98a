// Package citations collapses chunk-level documents into parent-level
// citations so an answer lists each source once, however many chunks of
// it were retrieved.
package citations

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/utils"
)

const (
	// PreviewChars caps citation text previews.
	PreviewChars = 300

	// maxRelatedSnippets caps additional chunk previews per citation.
	maxRelatedSnippets = 2

	// DefaultLimit caps citations per answer.
	DefaultLimit = 10
)

const darwinLetterPrefix = "DCP-LETT-"

// Entities holds TEI entity badges extracted from chunk metadata.
type Entities struct {
	Persons []string `json:"persons"`
	Places  []string `json:"places"`
	Orgs    []string `json:"orgs"`
	Taxa    []string `json:"taxa"`
}

// Citation is one parent-level source reference.
type Citation struct {
	ID                  string   `json:"id"`
	SourceID            string   `json:"source_id"`
	ParentID            string   `json:"parent_id"`
	Title               string   `json:"title"`
	URL                 string   `json:"url"`
	Date                string   `json:"date"`
	Page                string   `json:"page,omitempty"`
	Corpus              string   `json:"corpus"`
	Preview             string   `json:"text"`
	Quote               string   `json:"quote"`
	Content             string   `json:"content"`
	ChunkIndices        []int    `json:"chunk_indices"`
	TotalChunks         int      `json:"total_chunks"`
	Loc                 string   `json:"loc"`
	RelatedSnippets     []string `json:"related_snippets"`
	Entities            Entities `json:"entities"`
	RecommendedCitation string   `json:"recommended_citation,omitempty"`
}

// Aggregate groups documents by parent and emits one citation per
// parent, first-seen order preserved, capped at limit (DefaultLimit when
// limit <= 0). The first chunk of each group is the representative;
// chunk indices and up to two extra previews are collected from the
// rest. parentKey names the preferred metadata key (`id` for Hansard,
// `letter_id` for Darwin); documents missing it fall back to their
// derived parent id.
func Aggregate(docs []document.Document, parentKey string, limit int) []Citation {
	if len(docs) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	groups := make(map[string][]document.Document)
	var order []string
	for _, doc := range docs {
		parent := doc.MetaString(parentKey)
		if parent == "" {
			parent = doc.ParentID()
		}
		if parent == "" {
			continue
		}
		if _, seen := groups[parent]; !seen {
			order = append(order, parent)
		}
		groups[parent] = append(groups[parent], doc)
	}

	if len(order) > limit {
		order = order[:limit]
	}

	out := make([]Citation, 0, len(order))
	for _, parent := range order {
		out = append(out, buildCitation(parent, groups[parent]))
	}
	return out
}

func buildCitation(parent string, group []document.Document) Citation {
	rep := group[0]

	indexSet := make(map[int]struct{}, len(group))
	totalChunks := 1
	for _, doc := range group {
		indexSet[doc.ChunkIndex()] = struct{}{}
		if tc := doc.TotalChunks(); tc > totalChunks {
			totalChunks = tc
		}
	}
	indices := make([]int, 0, len(indexSet))
	for idx := range indexSet {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var related []string
	for _, doc := range group[1:] {
		if len(related) == maxRelatedSnippets {
			break
		}
		related = append(related, utils.Truncate(doc.Text, PreviewChars))
	}

	c := Citation{
		ID:              parent,
		SourceID:        parent,
		ParentID:        parent,
		Title:           citationTitle(rep),
		URL:             rep.MetaString("url"),
		Date:            citationDate(rep),
		Page:            rep.MetaString("page"),
		Corpus:          rep.MetaString("corpus"),
		Preview:         utils.Truncate(rep.Text, PreviewChars),
		Quote:           utils.Truncate(rep.Text, PreviewChars),
		Content:         rep.Text,
		ChunkIndices:    indices,
		TotalChunks:     totalChunks,
		Loc:             locSummary(indices, totalChunks),
		RelatedSnippets: related,
		Entities: Entities{
			Persons: rep.MetaStrings("tei_persons"),
			Places:  rep.MetaStrings("tei_places"),
			Orgs:    rep.MetaStrings("tei_orgs"),
			Taxa:    rep.MetaStrings("tei_taxa"),
		},
	}

	if url, recommended := darwinCanonical(parent); url != "" {
		c.URL = url
		c.RecommendedCitation = recommended
	}
	return c
}

// citationTitle prefers an explicit title and falls back to the Darwin
// letter form.
func citationTitle(rep document.Document) string {
	if title := rep.MetaString("title"); title != "" {
		return title
	}
	sender := rep.MetaString("sender_name")
	recipient := rep.MetaString("recipient_name")
	if sender == "" && recipient == "" {
		return fmt.Sprintf("Document %s", rep.ParentID())
	}
	if sender == "" {
		sender = "Unknown"
	}
	if recipient == "" {
		recipient = "Unknown"
	}
	return fmt.Sprintf("Letter from %s to %s (%s)", sender, recipient, rep.MetaString("date_sent"))
}

func citationDate(rep document.Document) string {
	if date := rep.MetaString("date_sent"); date != "" {
		return date
	}
	return rep.MetaString("date")
}

// darwinCanonical derives the Darwin Correspondence Project URL and
// recommended-citation string from a DCP letter id.
func darwinCanonical(parent string) (url, recommended string) {
	if !strings.HasPrefix(parent, darwinLetterPrefix) {
		return "", ""
	}
	url = fmt.Sprintf("https://www.darwinproject.ac.uk/letter/?docId=letters/%s.xml", parent)
	letterNo := strings.TrimPrefix(parent, darwinLetterPrefix)
	recommended = fmt.Sprintf("Darwin Correspondence Project, \"Letter no. %s,\" %s", letterNo, url)
	return url, recommended
}

func locSummary(indices []int, totalChunks int) string {
	shown := indices
	ellipsis := ""
	if len(shown) > 3 {
		shown = shown[:3]
		ellipsis = "…"
	}
	labels := make([]string, 0, len(shown))
	for _, idx := range shown {
		labels = append(labels, fmt.Sprintf("%d", idx+1))
	}
	return fmt.Sprintf("Chunks %s%s of %d", strings.Join(labels, ", "), ellipsis, totalChunks)
}
