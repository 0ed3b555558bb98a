package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Close() error { return nil }

func TestLimiterAllowsUnderBudget(t *testing.T) {
	l := New(NewMemoryStore(), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "1.2.3.4")
		assert.True(t, res.Allowed, "request %d should fit the budget", i+1)
		assert.Equal(t, 3, res.Limit)
	}

	res := l.Allow(ctx, "1.2.3.4")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLimiterTracksKeysIndependently(t *testing.T) {
	l := New(NewMemoryStore(), 1)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "1.2.3.4").Allowed)
	assert.False(t, l.Allow(ctx, "1.2.3.4").Allowed)
	assert.True(t, l.Allow(ctx, "5.6.7.8").Allowed)
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, 1)

	res := l.Allow(context.Background(), "1.2.3.4")

	assert.True(t, res.Allowed)
}

func TestNewDefaultsBudget(t *testing.T) {
	l := New(NewMemoryStore(), 0)
	assert.Equal(t, 240, l.limit)
}

func TestMemoryStoreResetsExpiredWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, _, err := s.Increment(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, _, err = s.Increment(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	time.Sleep(15 * time.Millisecond)

	count, _, err = s.Increment(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "an expired window restarts the count")
}

func TestRedisStoreCountsAndExpires(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	s := NewRedisStore(client)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, windowEnd, err := s.Increment(ctx, "1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.False(t, windowEnd.IsZero())
	}
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"1.2.3.4"))

	mr.FastForward(time.Minute + time.Second)

	count, _, err := s.Increment(ctx, "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "the counter restarts after the window expires")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsOverBudget(t *testing.T) {
	handler := Middleware(New(NewMemoryStore(), 2))(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestMiddlewareSkipsExemptPaths(t *testing.T) {
	handler := Middleware(New(NewMemoryStore(), 1), "/api/health")(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewarePassesThroughWithoutLimiter(t *testing.T) {
	handler := Middleware(nil)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestMiddlewareBudgetsByForwardedClient(t *testing.T) {
	handler := Middleware(New(NewMemoryStore(), 1))(okHandler())

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1, 172.16.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr host", remoteAddr: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "single forwarded hop", remoteAddr: "10.0.0.1:80", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{name: "first of forwarded chain", remoteAddr: "10.0.0.1:80", forwarded: " 203.0.113.9 , 172.16.0.1", want: "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
