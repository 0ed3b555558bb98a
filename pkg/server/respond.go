package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/atlas-hass/atlas/pkg/retriever"
)

// injectionSentinels are rejected anywhere in user-supplied query text.
var injectionSentinels = []string{"ignore previous", "system:", "<script", "javascript:"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeDetail writes an error body in {"detail": ...} form.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// validateQuestion enforces the shared text-input rules: required, at
// most 2000 characters, and free of injection sentinels. field is the
// capitalized input name ("Question" or "Query").
func validateQuestion(q, field string) (int, string) {
	if q == "" || len(q) > retriever.MaxQueryChars {
		return http.StatusBadRequest, field + " is required and must be under 2000 characters"
	}
	lower := strings.ToLower(q)
	for _, sentinel := range injectionSentinels {
		if strings.Contains(lower, sentinel) {
			return http.StatusBadRequest, "Invalid " + strings.ToLower(field) + " content"
		}
	}
	return 0, ""
}

// normalizeCorpus returns filter when the retriever declares it as a
// corpus option, and "all" otherwise. Invalid values are not an error.
func (s *Server) normalizeCorpus(filter string) string {
	if filter == "" || filter == "all" {
		return "all"
	}
	caps := s.retr.Capabilities()
	if !caps.Corpus.Supported {
		return "all"
	}
	for _, opt := range caps.Corpus.Options {
		if opt.Value == filter {
			return filter
		}
	}
	return "all"
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}
