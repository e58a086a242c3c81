// Package cache defines the port interface for caching read-side values
// such as account balances.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BalanceKey is the cache key for an account balance.
func BalanceKey(accountID string) string {
	return "balance:" + accountID
}
