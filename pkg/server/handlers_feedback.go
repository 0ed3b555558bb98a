package server

import (
	"log/slog"
	"net/http"

	"github.com/atlas-hass/atlas/pkg/telemetry"
)

const feedbackExpiredMessage = "Unable to associate your feedback with this conversation. " +
	"This may happen if the conversation data has expired."

// handleFeedback serves POST /api/feedback: each filled axis becomes one
// span annotation against the generation response span. Association
// failures report an error status in the body; the submission itself is
// always acknowledged with 200.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb telemetry.Feedback
	if !decodeBody(w, r, &fb) {
		return
	}
	if fb.SessionID == "" || fb.QAID == "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Invalid feedback submission: missing required identifiers",
			"status":  "error",
		})
		return
	}

	if s.feedback == nil {
		slog.Warn("Feedback received but no associator configured",
			"session_id", fb.SessionID, "qa_id", fb.QAID)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": feedbackExpiredMessage,
			"status":  "error",
		})
		return
	}

	if err := s.feedback.Associate(r.Context(), fb); err != nil {
		slog.Error("Failed to record feedback",
			"session_id", fb.SessionID, "qa_id", fb.QAID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": feedbackExpiredMessage,
			"status":  "error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Feedback received successfully",
		"status":  "success",
	})
}
