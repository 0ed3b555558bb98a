package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-hass/atlas/pkg/citations"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/retriever"
	"github.com/atlas-hass/atlas/pkg/telemetry"
)

// queryRetries and queryBackoffUnit mirror the pipeline's transient
// retry policy for the retrieval-only endpoint.
const queryRetries = 2

var queryBackoffUnit = time.Second

type queryRequest struct {
	Query        string `json:"query"`
	SessionID    string `json:"session_id,omitempty"`
	QAID         string `json:"qa_id,omitempty"`
	CorpusFilter string `json:"corpus_filter,omitempty"`
}

// handleQuery serves POST /query and /api/query: retrieval plus
// citations, no generation.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if status, msg := validateQuestion(req.Query, "Query"); status != 0 {
		writeDetail(w, status, msg)
		return
	}
	corpus := s.normalizeCorpus(req.CorpusFilter)
	if req.QAID == "" {
		req.QAID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(r.Context(), telemetry.SpanRetrieval)
	defer span.End()
	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrInputValue, req.Query)
	telemetry.String(span, telemetry.AttrCorpusFilter, corpus)

	rreq := retriever.Request{
		Query:        req.Query,
		K:            s.cfg.Retriever.SearchK,
		CorpusFilter: corpus,
		SessionID:    req.SessionID,
		QAID:         req.QAID,
	}

	var docs []document.Document
	var err error
	for attempt := 0; ; attempt++ {
		docs, err = s.retr.Invoke(ctx, rreq)
		if err == nil || !errors.Is(err, retriever.ErrTransient) || attempt == queryRetries {
			break
		}
		delay := time.Duration(attempt+1) * queryBackoffUnit
		slog.Warn("Transient retrieval failure, retrying",
			"qa_id", req.QAID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			writeDetail(w, http.StatusServiceUnavailable, "Document retrieval timed out")
			return
		}
	}
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, retriever.ErrValidation):
			writeDetail(w, http.StatusBadRequest, "Invalid query parameters")
		case errors.Is(err, retriever.ErrTransient):
			writeDetail(w, http.StatusServiceUnavailable, "Document retrieval temporarily unavailable")
		default:
			slog.Error("Retrieval failed", "qa_id", req.QAID, "error", err)
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	telemetry.Int(span, telemetry.AttrDocumentCount, len(docs))

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":         texts,
		"qa_id":          req.QAID,
		"citations":      citations.Aggregate(docs, s.parentKey(), s.cfg.Retriever.CitationLimit),
		"document_count": len(docs),
	})
}

// parentKey names the metadata field that groups chunks into parent
// citations for the configured corpus module.
func (s *Server) parentKey() string {
	if strings.EqualFold(s.cfg.Retriever.Module, "darwin") {
		return "letter_id"
	}
	return "id"
}
