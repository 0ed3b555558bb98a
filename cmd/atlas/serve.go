package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/generation"
	"github.com/atlas-hass/atlas/pkg/llm"
	"github.com/atlas-hass/atlas/pkg/pipeline"
	"github.com/atlas-hass/atlas/pkg/promptcache"
	"github.com/atlas-hass/atlas/pkg/queue"
	"github.com/atlas-hass/atlas/pkg/ratelimit"
	"github.com/atlas-hass/atlas/pkg/retriever"
	"github.com/atlas-hass/atlas/pkg/server"
	"github.com/atlas-hass/atlas/pkg/telemetry"
	"github.com/atlas-hass/atlas/pkg/validation"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	slog.Info("Configuration loaded", "summary", cfg.Summary())

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	opts := []server.Option{
		server.WithPromptCache(rt.cache),
		server.WithValidation(rt.validator),
		server.WithPool(rt.pool),
		server.WithTracer(rt.tracer),
		server.WithMetrics(rt.metrics),
	}
	if rt.queue != nil {
		opts = append(opts, server.WithQueue(rt.queue))
	}
	if rt.feedback != nil {
		opts = append(opts, server.WithFeedback(rt.feedback))
	}
	if rt.redis != nil {
		// Shared budget across instances when Redis is around anyway.
		opts = append(opts, server.WithLimiter(
			ratelimit.New(ratelimit.NewRedisStore(rt.redis), cfg.Server.RateLimitPerMinute)))
	}

	srv := server.New(cfg, rt.pipeline, rt.retriever, opts...)

	fmt.Printf("ATLAS server ready\n")
	fmt.Printf("   API:      http://%s/api/health\n", srv.Address())
	fmt.Printf("   Config:   http://%s/api/config\n", srv.Address())
	if rt.metrics != nil {
		fmt.Printf("   Metrics:  http://%s/metrics\n", srv.Address())
	}
	if rt.queue != nil {
		fmt.Printf("   Queue:    http://%s/api/queue/stats\n", srv.Address())
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// atlasRuntime holds the wired components shared by the server and the
// queue worker.
type atlasRuntime struct {
	cfg       *config.Config
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics
	registry  telemetry.Registry
	pool      *vectorstore.Pool
	retriever retriever.Retriever
	provider  llm.Provider
	cache     *promptcache.Cache
	pipeline  *pipeline.Pipeline
	validator *validation.Service

	redis    *redis.Client
	queue    *queue.Queue
	feedback *telemetry.Associator
}

// buildRuntime wires the answering stack from configuration. Optional
// pieces (tracing, Redis, Phoenix feedback) degrade to nil; everything
// on the answer path is required.
func buildRuntime(ctx context.Context, cfg *config.Config) (*atlasRuntime, error) {
	rt := &atlasRuntime{cfg: cfg}

	tracer, err := telemetry.NewTracer(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("Telemetry disabled", "error", err)
	}
	rt.tracer = tracer

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	rt.metrics = metrics

	registry, err := telemetry.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create span registry: %w", err)
	}
	rt.registry = registry

	rt.pool = vectorstore.NewPool(cfg.VectorStore, cfg.Embedding)

	retr, err := retriever.New(cfg, rt.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}
	rt.retriever = retr

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	rt.provider = provider

	rt.cache = promptcache.New(cfg.PromptCache)

	orchestrator := generation.New(generation.Options{
		Provider: provider,
		Cache:    rt.cache,
		Module:   cfg.Retriever.Module,
		Config:   cfg.LLM,
		Tracer:   rt.tracer,
		Registry: registry,
		Metrics:  metrics,
	})

	rt.pipeline = pipeline.New(pipeline.Options{
		Retriever: retr,
		Generator: orchestrator,
		Guardrail: generation.NewGuardrail(rt.tracer),
		Tracer:    rt.tracer,
		Registry:  registry,
		Metrics:   metrics,
		Retrieval: cfg.Retriever,
	})

	rt.validator = validation.New(validation.Options{
		Config: cfg.Validation,
		LLM:    cfg.LLM,
	})

	if cfg.AsyncEnabled() && cfg.Redis.URL != "" {
		client, err := queue.Dial(cfg.Redis)
		if err != nil {
			if !strings.EqualFold(cfg.Environment, "development") {
				rt.Close(ctx)
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			slog.Warn("Redis unavailable, async endpoints disabled", "error", err)
		} else {
			rt.redis = client
			rt.queue = queue.New(client)
		}
	}

	if cfg.Telemetry.PhoenixEndpoint != "" {
		client := telemetry.NewAnnotationClient(cfg.Telemetry.PhoenixEndpoint, cfg.Telemetry.PhoenixAPIKey)
		rt.feedback = telemetry.NewAssociator(registry, client)
	}

	return rt, nil
}

// Close releases runtime resources in reverse dependency order.
func (rt *atlasRuntime) Close(ctx context.Context) {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}
	if rt.provider != nil {
		if err := rt.provider.Close(); err != nil {
			slog.Warn("LLM provider close failed", "error", err)
		}
	}
	if rt.retriever != nil {
		if err := rt.retriever.Close(); err != nil {
			slog.Warn("Retriever close failed", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.CleanupAll()
	}
	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil {
			slog.Warn("Span registry close failed", "error", err)
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
	}
}
