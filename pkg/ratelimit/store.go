package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// sweepInterval spaces out removal of buckets whose window has passed.
const sweepInterval = time.Minute

type bucket struct {
	count     int64
	windowEnd time.Time
}

// MemoryStore counts in process memory. Suitable for a single instance;
// replicas each enforce their own budget.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= sweepInterval {
		for k, b := range s.buckets {
			if b.windowEnd.Before(now) {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok || b.windowEnd.Before(now) {
		b = &bucket{windowEnd: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.windowEnd, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*bucket)
	return nil
}

const redisKeyPrefix = "atlas:ratelimit:"

// RedisStore shares one budget across instances. The client is owned by
// the caller, typically the same connection the queue uses.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	k := redisKeyPrefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: %w", key, err)
	}

	ttl, err := s.client.TTL(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading window for %s: %w", key, err)
	}
	if ttl < 0 {
		// First hit in the window, or a counter left without expiry.
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("starting window for %s: %w", key, err)
		}
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
