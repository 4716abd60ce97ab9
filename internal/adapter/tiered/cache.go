// Package tiered layers the in-process snapshot cache over a shared remote
// one. With several Magnetar replicas behind a load balancer the L2 level
// (NATS KV) lets a replica serve a snapshot cached by another.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/magnetar-ai/magnetar/internal/port/cache"
)

// Cache reads through L1 (local) to L2 (shared), backfilling L1 on an L2
// hit. The snapshot cache is best effort: L2 errors are logged and treated
// as misses so a flaky KV bucket never blocks Resume.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	log      *slog.Logger
}

// New creates a tiered cache. l1Expire bounds how long backfilled entries
// live locally; the L2 bucket enforces its own TTL.
func New(l1, l2 cache.Cache, l1Expire time.Duration, log *slog.Logger) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire, log: log}
}

// Get checks L1, then L2. On an L2 hit the entry is backfilled into L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.Warn("l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}
	return nil, false, nil
}

// Set writes both levels. An L2 write failure is logged, not returned.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.log.Warn("l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes the key from both levels. L2 must confirm the delete;
// a stale snapshot surviving in the shared level would be served to other
// replicas after the session has moved on.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
