package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/ratelimit"
)

func TestTrustedHostRejectsUnknownHost(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Host = "evil.example.net"
	rec := serveRaw(env, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid host header", decodeJSON(t, rec)["detail"])
}

func TestTrustedHostAlwaysAllowsLocalhost(t *testing.T) {
	env := newTestEnv(t)

	for _, host := range []string{"localhost", "localhost:8000", "127.0.0.1:3000"} {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Host = host
		rec := serveRaw(env, req)
		assert.Equal(t, http.StatusOK, rec.Code, host)
	}
}

func TestTrustedHostStripsOriginScheme(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"https://atlas.example.org:443/app"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Host = "atlas.example.org"
	rec := serveRaw(env, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"example.com", "https://atlas.example.org"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "https://atlas.example.org")
	rec := serveRaw(env, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://atlas.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSUnlistedOriginGetsNoAllowHeader(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://stranger.example.net")
	rec := serveRaw(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPermissiveWithoutOrigins(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = nil
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Host = "localhost"
	rec := serveRaw(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitExhaustion(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 2)
	env := newTestEnv(t, WithLimiter(limiter))

	for i := 0; i < 2; i++ {
		rec := env.get(t, "/api/health")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.get(t, "/api/health")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitHeaders(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 5)
	env := newTestEnv(t, WithLimiter(limiter))

	rec := env.get(t, "/api/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestSizeLimitRejectsOversizedBody(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Server.MaxBodyBytes = 64
	})

	body := `{"query": "` + strings.Repeat("a", 200) + `"}`
	req := newRawRequest(http.MethodPost, "/api/query", body)
	rec := serveRaw(env, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["detail"], "exceeds 64 bytes")
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	env := newTestEnv(t)

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	env.srv.recoveryMiddleware(panicking).ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeJSON(t, rec)["detail"])
}

func TestProxyHeadersSetScheme(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Scheme
	})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	proxyHeadersMiddleware(inner).ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "https", seen)
}

func TestStatusRecorderPreservesFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	_, ok := interface{}(sr).(http.Flusher)
	require.True(t, ok)

	sr.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, sr.status)
}
