// Package ristretto implements the cache port on dgraph-io/ristretto. It is
// the in-process level of the balance cache.
package ristretto

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/MeterForge/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// minCounters keeps admission statistics useful for very small budgets.
const minCounters = 1000

// Cache is a size-bounded in-process cache. Cost is counted in bytes of key
// plus value.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits   uint64
	Misses uint64
	Ratio  float64
}

// New creates a cache bounded to maxCostBytes.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, errors.New("ristretto: max cost must be positive")
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Balances encode to a few dozen bytes; ten counters per expected entry.
		NumCounters: max(maxCostBytes/64*10, minCounters),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a copy of the cached value.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return slices.Clone(val), true, nil
}

// Set stores a copy of value. It waits for the write buffer so a following
// Get observes the value. A value rejected by admission is not an error.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, slices.Clone(value), int64(len(key)+len(value)), ttl)
	c.c.Wait()
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats reports hits and misses since creation.
func (c *Cache) Stats() Stats {
	m := c.c.Metrics
	return Stats{Hits: m.Hits(), Misses: m.Misses(), Ratio: m.Ratio()}
}

// Close stops the cache goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
