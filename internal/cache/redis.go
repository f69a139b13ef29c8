// Package cache mirrors the baseline estimator's last-good price through
// Redis (go-redis/v9), SPEC_FULL.md's DOMAIN STACK entry for a fast
// cross-process cache. Two uses: a deploy restarting the live estimator can
// seed its fallback price from the last published baseline instead of the
// static config default, and a Pub/Sub channel mirrors every MempoolUpdate
// for consumers that would rather poll Redis than hold a websocket open.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/utxoracle/pkg/models"
)

const (
	lastBaselineKey = "utxoracle:baseline:last_price"
	updatesChannel  = "utxoracle:updates"

	// lastBaselineTTL bounds how long a cached seed price is trusted before
	// a restarting process should fall back to its static config default
	// instead — a price more than an hour stale is not a useful seed.
	lastBaselineTTL = time.Hour
)

// Cache wraps a redis.Client with the oracle's specific read/write shapes.
type Cache struct {
	rdb *redis.Client
}

// New constructs a Cache from a redis connection string
// (e.g. "redis://localhost:6379/0").
func New(addr string) (*Cache, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	return &Cache{rdb: redis.NewClient(opt)}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// SetLastBaselinePrice records the most recent baseline price, for a
// restarting process to seed from instead of a static config default.
func (c *Cache) SetLastBaselinePrice(ctx context.Context, price float64) error {
	return c.rdb.Set(ctx, lastBaselineKey, price, lastBaselineTTL).Err()
}

// LastBaselinePrice returns the cached baseline price, or (0, false) if
// absent or expired.
func (c *Cache) LastBaselinePrice(ctx context.Context) (float64, bool) {
	v, err := c.rdb.Get(ctx, lastBaselineKey).Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// PublishUpdate mirrors a MempoolUpdate onto the Redis Pub/Sub channel.
func (c *Cache) PublishUpdate(ctx context.Context, update models.MempoolUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, updatesChannel, data).Err()
}

// Subscribe returns a redis.PubSub subscribed to the updates channel; callers
// read from its Channel() method and must Close it when done.
func (c *Cache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, updatesChannel)
}
