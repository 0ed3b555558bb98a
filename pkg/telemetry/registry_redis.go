package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-hass/atlas/pkg/config"
)

const (
	redisKeyPrefix = "atlas:span:"
	redisKeyExpiry = time.Hour
)

// RedisRegistry stores span mappings in Redis so feedback lookups work
// across workers. Every write also lands in an in-process mirror; reads
// go Redis-first and fall back to the mirror, so a Redis outage degrades
// to single-worker behavior instead of losing feedback.
type RedisRegistry struct {
	client *redis.Client
	mirror *MemoryRegistry
}

// NewRedisRegistry connects using the Redis config. An unreachable
// server is not fatal: the registry runs memory-only with a warning.
func NewRedisRegistry(cfg config.RedisConfig) (*RedisRegistry, error) {
	cfg.SetDefaults()
	r := &RedisRegistry{mirror: NewMemoryRegistry()}

	if cfg.URL == "" {
		slog.Warn("No Redis URL configured for span registry, using in-memory only")
		return r, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.TelemetryDB

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("Span registry Redis unreachable, using in-memory only", "error", err)
		client.Close()
		return r, nil
	}

	r.client = client
	slog.Info("Using Redis span registry", "db", cfg.TelemetryDB)
	return r, nil
}

func (r *RedisRegistry) Register(ctx context.Context, sessionID, qaID, spanID, traceID string) {
	if sessionID == "" {
		slog.Warn("Cannot register span without session id")
		return
	}
	r.mirror.Register(ctx, sessionID, qaID, spanID, traceID)
	if r.client == nil {
		return
	}

	sessionKey := redisKeyPrefix + sessionID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey, qaID, spanID)
	pipe.Expire(ctx, sessionKey, redisKeyExpiry)
	if traceID != "" {
		traceKey := redisKeyPrefix + "trace:" + traceID
		pipe.Set(ctx, traceKey, spanID, redisKeyExpiry)
		pipe.HSet(ctx, sessionKey, "trace:"+traceID, spanID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to register span in Redis", "session_id", sessionID, "qa_id", qaID, "error", err)
	}
}

func (r *RedisRegistry) RegisterRoot(ctx context.Context, sessionID, spanID, traceID string) {
	if sessionID == "" {
		slog.Warn("Cannot register root span without session id")
		return
	}
	r.mirror.RegisterRoot(ctx, sessionID, spanID, traceID)
	if r.client == nil {
		return
	}

	sessionKey := redisKeyPrefix + sessionID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey, "root", spanID)
	pipe.Expire(ctx, sessionKey, redisKeyExpiry)
	if traceID != "" {
		traceKey := redisKeyPrefix + "trace:" + traceID
		pipe.Set(ctx, traceKey, spanID, redisKeyExpiry)
		rootTraceKey := redisKeyPrefix + "trace:root:" + traceID
		pipe.Set(ctx, rootTraceKey, spanID, redisKeyExpiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to register root span in Redis", "session_id", sessionID, "error", err)
	}
}

func (r *RedisRegistry) Find(ctx context.Context, sessionID, qaID string) (string, bool) {
	if sessionID == "" || qaID == "" {
		return "", false
	}
	if r.client != nil {
		spanID, err := r.client.HGet(ctx, redisKeyPrefix+sessionID, qaID).Result()
		if err == nil {
			return spanID, true
		}
		if err != redis.Nil {
			slog.Warn("Failed to find span in Redis", "session_id", sessionID, "qa_id", qaID, "error", err)
		}
	}
	return r.mirror.Find(ctx, sessionID, qaID)
}

func (r *RedisRegistry) FindByTrace(ctx context.Context, traceID string) (string, bool) {
	if traceID == "" {
		return "", false
	}
	if r.client != nil {
		spanID, err := r.client.Get(ctx, redisKeyPrefix+"trace:"+traceID).Result()
		if err == nil {
			return spanID, true
		}
		if err != redis.Nil {
			slog.Warn("Failed to find span by trace in Redis", "trace_id", traceID, "error", err)
		}
	}
	return r.mirror.FindByTrace(ctx, traceID)
}

func (r *RedisRegistry) FindRoot(ctx context.Context, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	if r.client != nil {
		sessionKey := redisKeyPrefix + sessionID
		spanID, err := r.client.HGet(ctx, sessionKey, "root").Result()
		if err == nil {
			return spanID, true
		}
		if err != redis.Nil {
			slog.Warn("Failed to find root span in Redis", "session_id", sessionID, "error", err)
		}

		// No explicit root; use any qa span from the session.
		fields, err := r.client.HGetAll(ctx, sessionKey).Result()
		if err == nil {
			for field, spanID := range fields {
				if field != "root" && !strings.HasPrefix(field, "trace:") {
					return spanID, true
				}
			}
		}
	}
	return r.mirror.FindRoot(ctx, sessionID)
}

func (r *RedisRegistry) List(ctx context.Context, sessionID string) map[string]string {
	spans := make(map[string]string)
	if sessionID == "" {
		return spans
	}
	for qaID, spanID := range r.mirror.List(ctx, sessionID) {
		spans[qaID] = spanID
	}
	if r.client != nil {
		fields, err := r.client.HGetAll(ctx, redisKeyPrefix+sessionID).Result()
		if err != nil {
			slog.Warn("Failed to list spans from Redis", "session_id", sessionID, "error", err)
			return spans
		}
		for field, spanID := range fields {
			if !strings.HasPrefix(field, "trace:") {
				spans[field] = spanID
			}
		}
	}
	return spans
}

func (r *RedisRegistry) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Registry = (*RedisRegistry)(nil)
