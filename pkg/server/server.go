// Package server is the HTTP surface of ATLAS: chi routes over the
// question pipeline, the async queue, the feedback associator, and the
// operational endpoints, behind the shared middleware chain.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/pipeline"
	"github.com/atlas-hass/atlas/pkg/promptcache"
	"github.com/atlas-hass/atlas/pkg/queue"
	"github.com/atlas-hass/atlas/pkg/ratelimit"
	"github.com/atlas-hass/atlas/pkg/retriever"
	"github.com/atlas-hass/atlas/pkg/telemetry"
	"github.com/atlas-hass/atlas/pkg/validation"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// Server serves the ATLAS API. Tracer, metrics, queue, feedback,
// validation, and pool are optional; their endpoints degrade when absent.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	retr     retriever.Retriever

	cache     *promptcache.Cache
	queue     *queue.Queue
	feedback  *telemetry.Associator
	validator *validation.Service
	pool      *vectorstore.Pool
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics
	limiter   *ratelimit.Limiter

	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithPromptCache exposes cache statistics and clearing.
func WithPromptCache(c *promptcache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithQueue enables the async ask endpoints.
func WithQueue(q *queue.Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithFeedback enables feedback-to-span association.
func WithFeedback(a *telemetry.Associator) Option {
	return func(s *Server) { s.feedback = a }
}

// WithValidation enables the session validation endpoints.
func WithValidation(v *validation.Service) Option {
	return func(s *Server) { s.validator = v }
}

// WithPool exposes vector store pool statistics.
func WithPool(p *vectorstore.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithTracer reports telemetry status and traces requests.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLimiter overrides the default in-memory rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New builds the server. cfg must be validated; pl and retr are the
// answering pipeline and its retriever (the latter also serves the
// filter-capability and config endpoints).
func New(cfg *config.Config, pl *pipeline.Pipeline, retr retriever.Retriever, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pl,
		retr:     retr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.NewMemoryStore(), cfg.Server.RateLimitPerMinute)
	}
	return s
}

// Start serves until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests with a 5 second grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		slog.Info("HTTP server shutting down")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown error: %w", err)
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			slog.Warn("Rate limiter close failed", "error", err)
		}
	}
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Server.Address()
}
