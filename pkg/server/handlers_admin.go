package server

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/atlas-hass/atlas/pkg/generation"
	"github.com/atlas-hass/atlas/pkg/validation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the stable configuration subset the frontend
// renders: versions, models, thresholds, and corpus options.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	rc := s.cfg.Retriever
	system := generation.SystemPrompt(rc.Module)
	preview := system
	if len(preview) > 150 {
		preview = preview[:150] + "..."
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ATLAS_VERSION":      s.cfg.Version,
		"SYSTEM_PROMPT":      preview,
		"FULL_SYSTEM_PROMPT": system,
		"CORPUS_OPTIONS":     s.retr.Capabilities().Corpus.Options,

		"target_id":              rc.TargetID,
		"target_version":         rc.TargetVersion,
		"embedding_model":        rc.EmbeddingModel,
		"search_type":            rc.SearchType,
		"search_k":               rc.SearchK,
		"search_score_threshold": rc.SearchScoreThreshold,
		"pooling":                rc.Pooling,
		"citation_limit":         rc.CitationLimit,
		"algorithm":              rc.Algorithm,
		"chunk_size":             rc.ChunkSize,
		"chunk_overlap":          rc.ChunkOverlap,
		"index_name":             rc.IndexName,

		"LARGE_RETRIEVAL_SIZE_SINGLE_CORPUS": rc.LargeRetrievalSizeSingleCorpus,
		"LARGE_RETRIEVAL_SIZE_ALL_CORPUS":    rc.LargeRetrievalSizeAllCorpus,

		"llm_provider": s.cfg.LLM.Provider,
		"llm_model":    s.cfg.LLM.Model,

		"collection_name": s.cfg.CollectionName(),
	})
}

// handleRetrieverFilters returns the retriever's declared filter
// capabilities verbatim.
func (s *Server) handleRetrieverFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.retr.Capabilities())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"cache_statistics": nil,
			"timestamp":        time.Now().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_statistics": s.cache.Stats(),
		"timestamp":        time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		removed := s.cache.Clear()
		slog.Info("Prompt cache cleared via API", "removed", removed)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Prompt cache cleared successfully",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleTelemetryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"telemetry_initialized": s.tracer.Enabled(),
	})
}

// handleDiagnostics reports env-var presence and a non-sensitive config
// summary. Values are never echoed.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	rc := s.cfg.Retriever
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": map[string]bool{
			"TEST_TARGET":       os.Getenv("TEST_TARGET") != "",
			"REDIS_URL":         os.Getenv("REDIS_URL") != "",
			"REDIS_PASSWORD":    os.Getenv("REDIS_PASSWORD") != "",
			"PHOENIX_API_KEY":   os.Getenv("PHOENIX_API_KEY") != "",
			"ANTHROPIC_API_KEY": os.Getenv("ANTHROPIC_API_KEY") != "",
			"OPENAI_API_KEY":    os.Getenv("OPENAI_API_KEY") != "",
		},
		"config": map[string]any{
			"target_id":            rc.TargetID,
			"llm_provider":         s.cfg.LLM.Provider,
			"llm_model":            s.cfg.LLM.Model,
			"embedding_model":      rc.EmbeddingModel,
			"citation_limit":       rc.CitationLimit,
			"large_retrieval_size": rc.LargeRetrievalSizeSingleCorpus,
		},
		"telemetry_initialized": s.tracer.Enabled(),
	})
}

// handleVectorStoreInfo reports the store backend and pool state.
func (s *Server) handleVectorStoreInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"collection": s.cfg.CollectionName(),
		"module":     s.cfg.Retriever.Module,
	}
	if s.pool != nil {
		info["backend"] = s.pool.Backend()
		info["persist_directory"] = s.pool.PersistDirectory()
		info["pool"] = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, info)
}

type validateSessionRequest struct {
	validation.SessionData
	ValidationMode string `json:"validation_mode,omitempty"`
}

type validateSessionResponse struct {
	Success          bool                   `json:"success"`
	Message          string                 `json:"message"`
	ValidationResult *validation.Result     `json:"validation_result,omitempty"`
	MarkdownExport   string                 `json:"markdown_export,omitempty"`
	ValidationConfig *validation.ConfigInfo `json:"validation_config,omitempty"`
}

// handleValidateSession serves POST /api/validate_session: export the
// session to Markdown and review it with the alternate model.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeJSON(w, http.StatusOK, validateSessionResponse{
			Success: false,
			Message: "Session validation is disabled",
		})
		return
	}

	var req validateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cfgInfo := s.validator.ConfigInfo()
	if !s.validator.Enabled() {
		writeJSON(w, http.StatusOK, validateSessionResponse{
			Success:          false,
			Message:          "Session validation is disabled",
			ValidationConfig: &cfgInfo,
		})
		return
	}

	result, err := s.validator.Validate(r.Context(), req.SessionData, req.ValidationMode)
	if err != nil {
		slog.Error("Session validation failed",
			"session_id", req.SessionID, "qa_id", req.QAID, "error", err)
		writeJSON(w, http.StatusOK, validateSessionResponse{
			Success:          false,
			Message:          "Error during session validation",
			ValidationConfig: &cfgInfo,
		})
		return
	}

	writeJSON(w, http.StatusOK, validateSessionResponse{
		Success:          true,
		Message:          "Session validation completed successfully",
		ValidationResult: result,
		MarkdownExport:   validation.ExportMarkdown(req.SessionData),
		ValidationConfig: &cfgInfo,
	})
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeJSON(w, http.StatusOK, validation.ConfigInfo{AvailableModes: []string{}})
		return
	}
	writeJSON(w, http.StatusOK, s.validator.ConfigInfo())
}
