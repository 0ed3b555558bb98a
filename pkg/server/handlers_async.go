package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-hass/atlas/pkg/pipeline"
	"github.com/atlas-hass/atlas/pkg/queue"
)

type asyncRequest struct {
	pipeline.Request

	// Query is accepted as an alias for question on the async path.
	Query  string `json:"query,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// handleAskAsync serves POST /api/ask/async: validate, enqueue, return
// the request id for polling.
func (s *Server) handleAskAsync(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || !s.cfg.AsyncEnabled() {
		writeDetail(w, http.StatusServiceUnavailable,
			"Async processing not available. Redis queue not configured.")
		return
	}

	var req asyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Question == "" {
		req.Question = req.Query
	}
	req.Question = strings.TrimSpace(req.Question)
	if status, msg := validateQuestion(req.Question, "Question"); status != 0 {
		writeDetail(w, status, msg)
		return
	}
	req.CorpusFilter = s.normalizeCorpus(req.CorpusFilter)

	id, err := s.queue.Enqueue(r.Context(), req.Request, req.UserID)
	if err != nil {
		slog.Error("Failed to enqueue async request", "error", err)
		writeDetail(w, http.StatusServiceUnavailable, "Failed to queue request")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordQueueJob(r.Context(), queue.StatusQueued)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"request_id": id,
		"status":     queue.StatusQueued,
	})
}

// handleAsyncStatus serves GET /api/ask/async/{request_id}.
func (s *Server) handleAsyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || !s.cfg.AsyncEnabled() {
		writeDetail(w, http.StatusServiceUnavailable,
			"Async processing not available. Redis queue not configured.")
		return
	}

	id := chi.URLParam(r, "request_id")
	status, err := s.queue.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Request not found or expired")
			return
		}
		slog.Error("Failed to read job status", "request_id", id, "error", err)
		writeDetail(w, http.StatusServiceUnavailable, "Queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleQueueStats serves GET /api/queue/stats.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || !s.cfg.AsyncEnabled() {
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_stats":   nil,
			"async_enabled": false,
			"timestamp":     time.Now().Format(time.RFC3339),
		})
		return
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to get queue stats", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_stats":   stats,
		"async_enabled": true,
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}
