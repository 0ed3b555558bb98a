package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-hass/atlas/pkg/ratelimit"
	"github.com/atlas-hass/atlas/pkg/telemetry"
)

// Handler builds the routed handler with the full middleware chain.
// Order (outermost first): recovery, metrics, logging, proxy headers,
// trusted host, CORS, size limit, rate limit.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoveryMiddleware)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	r.Use(loggingMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(trustedHostMiddleware(s.cfg.Server.CORSOrigins))
	r.Use(s.corsMiddleware)
	r.Use(sizeLimitMiddleware(s.cfg.Server.MaxBodyBytes))
	r.Use(ratelimit.Middleware(s.limiter, "/metrics"))

	r.Get("/", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/config", s.handleConfig)
	r.Get("/api/retriever/filters", s.handleRetrieverFilters)

	r.Post("/query", s.handleQuery)
	r.Post("/api/query", s.handleQuery)
	r.Post("/api/ask/stream", s.handleAskStream)

	r.Post("/api/ask/async", s.handleAskAsync)
	r.Get("/api/ask/async/{request_id}", s.handleAsyncStatus)
	r.Get("/api/queue/stats", s.handleQueueStats)

	r.Post("/api/feedback", s.handleFeedback)

	r.Get("/api/cache/stats", s.handleCacheStats)
	r.Post("/api/cache/clear", s.handleCacheClear)

	r.Get("/api/telemetry", s.handleTelemetryStatus)
	r.Get("/api/diagnostics", s.handleDiagnostics)
	r.Get("/api/vector-store-info", s.handleVectorStoreInfo)

	r.Post("/api/validate_session", s.handleValidateSession)
	r.Get("/api/validate_config", s.handleValidateConfig)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	}

	return r
}
