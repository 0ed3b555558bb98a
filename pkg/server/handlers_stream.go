package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/atlas-hass/atlas/pkg/generation"
	"github.com/atlas-hass/atlas/pkg/pipeline"
	"github.com/atlas-hass/atlas/pkg/sse"
)

// handleAskStream serves POST /api/ask/stream. Validation failures are
// plain HTTP errors; once the SSE stream opens, failures arrive as error
// frames and the response stays 200.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if status, msg := validateQuestion(req.Question, "Question"); status != 0 {
		writeDetail(w, status, msg)
		return
	}
	req.CorpusFilter = s.normalizeCorpus(req.CorpusFilter)
	req.PreviousCorpusFilter = s.normalizeCorpus(req.PreviousCorpusFilter)

	writer, err := sse.NewWriter(w)
	if err != nil {
		slog.Error("SSE unsupported by response writer", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	res, err := s.pipeline.Run(r.Context(), req, writer)
	switch {
	case err == nil:
	case errors.Is(err, generation.ErrCancelled) || errors.Is(err, context.Canceled):
		slog.Info("Stream cancelled by client", "qa_id", res.QAID)
	case errors.Is(err, pipeline.ErrNoDocuments):
		slog.Info("No documents for query", "qa_id", res.QAID)
	default:
		// The pipeline already emitted a sanitized error frame.
		slog.Error("Streaming ask failed", "qa_id", res.QAID, "error", err)
	}
}
