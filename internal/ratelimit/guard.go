package ratelimit

import (
	"context"
	"time"
)

// keyPrefix namespaces guard buckets in the key-value store.
const keyPrefix = "point_guard:"

// BucketStore performs the atomic consume-or-reject operation for one
// bucket key. After refilling tokens proportional to the time elapsed
// since the last update, the operation deducts cost and persists the new
// state iff at least cost tokens are available; otherwise it leaves the
// stored state untouched.
type BucketStore interface {
	Consume(ctx context.Context, key string, capacity, rate, cost float64, now time.Time) (bool, error)
}

// Guard is a token-bucket admission guard with a fixed key, capacity,
// and refill rate. Guards with distinct keys are fully independent;
// guards sharing a key share the bucket.
type Guard struct {
	store    BucketStore
	key      string
	capacity float64
	rate     float64

	// now is the clock used for refill computation; overridable in tests.
	now func() time.Time
}

// NewGuard creates a guard over the given store.
// capacity is the maximum number of tokens the bucket holds; rate is the
// number of tokens regenerated per second.
func NewGuard(store BucketStore, key string, capacity, rate float64) *Guard {
	return &Guard{
		store:    store,
		key:      keyPrefix + key,
		capacity: capacity,
		rate:     rate,
		now:      time.Now,
	}
}

// Consume attempts to take cost tokens from the bucket. It returns true
// iff the tokens were available and deducted. On rejection the bucket
// state is unchanged.
func (g *Guard) Consume(ctx context.Context, cost float64) (bool, error) {
	return g.store.Consume(ctx, g.key, g.capacity, g.rate, cost, g.now())
}
