package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript is the authoritative consume-or-reject operation. It runs
// server-side so that concurrent admission checks from multiple worker
// processes cannot interleave between the read and the write.
//
// KEYS[1] = bucket key; ARGV = capacity, rate (tokens/sec), cost,
// now (ms). The bucket is lazily initialized to full capacity. A clock
// that moved backward yields a zero delta, never a negative deduction.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "last_updated")
local tokens = tonumber(data[1])
local last_updated = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  last_updated = now
end

local delta = math.max(0, now - last_updated)
local refill = (delta / 1000) * rate

tokens = math.min(capacity, tokens + refill)

if tokens >= cost then
  tokens = tokens - cost
  redis.call("HMSET", key, "tokens", tokens, "last_updated", now)
  return 1
else
  return 0
end
`)

// RedisBucketStore implements BucketStore against a Redis-compatible
// key-value store.
type RedisBucketStore struct {
	client redis.Scripter
}

// NewRedisBucketStore creates a store over the given client. The client
// may be a *redis.Client or any other Scripter implementation.
func NewRedisBucketStore(client redis.Scripter) *RedisBucketStore {
	return &RedisBucketStore{client: client}
}

// Consume runs the consume script atomically for the given key.
func (s *RedisBucketStore) Consume(ctx context.Context, key string, capacity, rate, cost float64, now time.Time) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{key},
		capacity, rate, cost, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to run consume script: %w", err)
	}
	return res == 1, nil
}
