// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/MeterForge/internal/port/cache"
)

// Cache combines an L1 (in-process) and L2 (shared) cache.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit. An unreachable
// L2 degrades to L1 only: reads miss through to the store instead of failing.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire caps how long any entry lives in L1, which bounds staleness after
// an invalidation on another replica.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if c.l1Expire > 0 && (ttl <= 0 || ttl > c.l1Expire) {
		return c.l1Expire
	}
	return ttl
}

// Get checks L1, then L2.
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
		slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1TTL(0))
	return val, true, nil
}

// Set writes to both levels. An L2 failure is logged and not returned.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, c.l1TTL(ttl)); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes the key from both levels and reports every failure.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}
