package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is the stored state for one guard key: the current token count
// and the timestamp of the last successful update, in milliseconds.
type bucket struct {
	tokens      float64
	lastUpdated int64
}

// MemoryBucketStore implements BucketStore in process memory. The mutex
// gives the same atomicity guarantee the Redis script provides
// server-side, but only within a single process.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
}

// NewMemoryBucketStore creates an empty in-memory store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]bucket),
	}
}

// Consume mirrors the Redis consume script: refill proportional to
// elapsed time, deduct and persist on success, leave state untouched on
// rejection.
func (s *MemoryBucketStore) Consume(ctx context.Context, key string, capacity, rate, cost float64, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()

	b, ok := s.buckets[key]
	if !ok {
		b = bucket{tokens: capacity, lastUpdated: nowMs}
	}

	delta := nowMs - b.lastUpdated
	if delta < 0 {
		delta = 0
	}
	refill := float64(delta) / 1000 * rate

	tokens := b.tokens + refill
	if tokens > capacity {
		tokens = capacity
	}

	if tokens < cost {
		return false, nil
	}

	s.buckets[key] = bucket{
		tokens:      tokens - cost,
		lastUpdated: nowMs,
	}
	return true, nil
}

// snapshot returns the stored bucket state for a key, for tests.
func (s *MemoryBucketStore) snapshot(key string) (bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	return b, ok
}
