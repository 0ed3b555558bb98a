package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/atlas-hass/atlas/pkg/config"
)

// Registry maps (session, qa) pairs to span ids so feedback submitted
// minutes later can still find the span it rates. Registration is
// advisory: implementations log storage failures instead of propagating
// them, because a lost mapping must never fail the answer itself.
type Registry interface {
	Register(ctx context.Context, sessionID, qaID, spanID, traceID string)
	RegisterRoot(ctx context.Context, sessionID, spanID, traceID string)
	Find(ctx context.Context, sessionID, qaID string) (string, bool)
	FindByTrace(ctx context.Context, traceID string) (string, bool)
	FindRoot(ctx context.Context, sessionID string) (string, bool)
	List(ctx context.Context, sessionID string) map[string]string
	Close() error
}

// NewRegistry picks the registry backend by environment: development
// uses SQL (sqlite by default), staging and production use Redis, and
// UseRedisRegistry forces Redis anywhere. Any other environment is a
// configuration error.
func NewRegistry(cfg *config.Config) (Registry, error) {
	env := strings.ToLower(cfg.Environment)
	forceRedis := cfg.Telemetry.UseRedisRegistry != nil && *cfg.Telemetry.UseRedisRegistry

	switch {
	case env == "staging" || env == "production" || forceRedis:
		return NewRedisRegistry(cfg.Redis)
	case env == "development":
		dsn := cfg.Telemetry.RegistryDSN
		if dsn == "" {
			dsn = cfg.Telemetry.SQLitePath
		}
		return NewSQLRegistry(cfg.Telemetry.RegistryDialect, dsn)
	default:
		return nil, fmt.Errorf("unsupported environment %q for span registry (want development, staging, or production)", cfg.Environment)
	}
}

// MemoryRegistry is the in-process registry. It backs tests and doubles
// as the always-written mirror inside RedisRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
	order    map[string][]string
	traces   map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]map[string]string),
		order:    make(map[string][]string),
		traces:   make(map[string]string),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, sessionID, qaID, spanID, traceID string) {
	if sessionID == "" {
		slog.Warn("Cannot register span without session id")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(sessionID, qaID, spanID)
	if traceID != "" {
		r.traces[traceID] = spanID
	}
}

func (r *MemoryRegistry) RegisterRoot(_ context.Context, sessionID, spanID, traceID string) {
	if sessionID == "" {
		slog.Warn("Cannot register root span without session id")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(sessionID, "root", spanID)
	if traceID != "" {
		r.traces[traceID] = spanID
	}
}

// put records a mapping and remembers first-seen qa order for the
// FindRoot fallback. Caller holds the lock.
func (r *MemoryRegistry) put(sessionID, qaID, spanID string) {
	spans, ok := r.sessions[sessionID]
	if !ok {
		spans = make(map[string]string)
		r.sessions[sessionID] = spans
	}
	if _, seen := spans[qaID]; !seen {
		r.order[sessionID] = append(r.order[sessionID], qaID)
	}
	spans[qaID] = spanID
}

func (r *MemoryRegistry) Find(_ context.Context, sessionID, qaID string) (string, bool) {
	if sessionID == "" || qaID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spanID, ok := r.sessions[sessionID][qaID]
	return spanID, ok
}

func (r *MemoryRegistry) FindByTrace(_ context.Context, traceID string) (string, bool) {
	if traceID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spanID, ok := r.traces[traceID]
	return spanID, ok
}

// FindRoot returns the explicit root span, or the first registered span
// of the session when no root was recorded.
func (r *MemoryRegistry) FindRoot(_ context.Context, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spans, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	if spanID, ok := spans["root"]; ok {
		return spanID, true
	}
	for _, qaID := range r.order[sessionID] {
		if qaID != "root" {
			return spans[qaID], true
		}
	}
	return "", false
}

func (r *MemoryRegistry) List(_ context.Context, sessionID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.sessions[sessionID]))
	for qaID, spanID := range r.sessions[sessionID] {
		out[qaID] = spanID
	}
	return out
}

func (r *MemoryRegistry) Close() error { return nil }
