// Package ratelimit enforces the per-client request budget. A Limiter
// counts requests in fixed one-minute windows through a pluggable
// Store: in-process buckets for a single instance, Redis when several
// instances share the budget.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Result is one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	WindowEnd time.Time

	// RetryAfter is the wait until the window resets; zero when allowed.
	RetryAfter time.Duration
}

// Store counts requests per key within fixed windows.
type Store interface {
	// Increment records one request for key and returns the count in
	// the current window and when that window ends. An expired window
	// restarts the count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	Close() error
}

// Limiter admits requests against a per-minute budget. Store failures
// admit the request.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

// New builds a limiter allowing perMinute requests per key.
func New(store Store, perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 240
	}
	return &Limiter{store: store, limit: perMinute, window: time.Minute}
}

// Allow records one request for key and reports whether it fits the
// budget.
func (l *Limiter) Allow(ctx context.Context, key string) Result {
	count, windowEnd, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		slog.Warn("Rate limit store failure, admitting request", "key", key, "error", err)
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		WindowEnd: windowEnd,
	}
	if !res.Allowed {
		res.RetryAfter = time.Until(windowEnd)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
