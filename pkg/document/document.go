// Package document defines the chunk-level document record shared by the
// retrieval, reranking and citation layers.
package document

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Document is an immutable chunk of a source record (a Hansard debate page
// or a Darwin letter) together with its catalogue metadata.
//
// Well-known metadata keys: corpus, date, year, source_file, chunk_index,
// total_chunks, id / letter_id, sender_name, recipient_name, sender_place,
// date_sent, title, url, page, and the optional TEI entity lists
// (tei_persons, tei_places, tei_orgs, tei_taxa, tei_bibl).
type Document struct {
	// ID is the unique chunk identifier, "<parent_id>#<chunk_index>".
	ID string `json:"id"`

	// Text is the chunk content. Never empty for indexed documents.
	Text string `json:"text"`

	// Metadata carries the catalogue fields listed above.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParentID returns the identifier of the containing source record:
// letter_id for correspondence corpora, id for parliamentary corpora.
// Falls back to the chunk ID prefix before '#'.
func (d Document) ParentID() string {
	if v := d.MetaString("letter_id"); v != "" {
		return v
	}
	if v := d.MetaString("id"); v != "" {
		return v
	}
	for i := 0; i < len(d.ID); i++ {
		if d.ID[i] == '#' {
			return d.ID[:i]
		}
	}
	return d.ID
}

// ChunkIndex returns the chunk position within the parent record.
func (d Document) ChunkIndex() int {
	return d.MetaInt("chunk_index")
}

// TotalChunks returns the recorded chunk count of the parent record.
func (d Document) TotalChunks() int {
	return d.MetaInt("total_chunks")
}

// MetaString returns the metadata value for key as a string, or "".
func (d Document) MetaString(key string) string {
	if d.Metadata == nil {
		return ""
	}
	switch v := d.Metadata[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		// JSON round-trips integers as float64
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// MetaInt returns the metadata value for key as an int, or 0.
func (d Document) MetaInt(key string) int {
	if d.Metadata == nil {
		return 0
	}
	switch v := d.Metadata[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// MetaFloat returns the metadata value for key as a float64, or 0.
func (d Document) MetaFloat(key string) float64 {
	if d.Metadata == nil {
		return 0
	}
	switch v := d.Metadata[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// MetaStrings returns a metadata list value (TEI entity lists) as
// strings. Stores that only hold scalar metadata persist these lists as
// semicolon-separated strings, so that form is accepted too.
func (d Document) MetaStrings(key string) []string {
	if d.Metadata == nil {
		return nil
	}
	switch v := d.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ";")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// CloneMetadata returns a shallow copy of the metadata map with keys sorted
// for deterministic iteration by callers that serialize it.
func (d Document) CloneMetadata() map[string]any {
	if d.Metadata == nil {
		return nil
	}
	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = d.Metadata[k]
	}
	return out
}
