// Package natskv backs the cache port with a JetStream key-value bucket so
// every replica observes the same snapshot entries. The tiered cache mounts
// it as the shared L2 level.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache reads and writes one JetStream KV bucket. Entry expiry is a bucket
// property set at creation, so the per-entry TTL of the cache port is
// ignored here.
type Cache struct {
	bucket jetstream.KeyValue
}

// New wraps an existing KV bucket.
func New(bucket jetstream.KeyValue) *Cache {
	return &Cache{bucket: bucket}
}

// Get looks the key up in the bucket. Absent and tombstoned keys are misses,
// not errors.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.bucket.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Value(), true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
}

// Set stores the value under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete removes the key. Failures must surface: the tiered cache treats an
// unconfirmed shared-level delete as an invalidation error, since other
// replicas would keep serving the stale entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
