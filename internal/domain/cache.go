package domain

import (
	"context"
	"time"
)

// PriceCache caches mark prices per market symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no fresh price is cached.
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// MarketCache caches the venue market catalog with a TTL.
type MarketCache interface {
	SetCatalog(ctx context.Context, markets []Market, ttl time.Duration) error
	GetCatalog(ctx context.Context) ([]Market, error)
}

// LockManager provides best-effort distributed locks. Acquire returns
// an unlock func on success or ErrLockHeld when the key is taken.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter bounds request rates per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus publishes lifecycle events to interested consumers.
type EventBus interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
	// Subscribe blocks delivering events to handler until ctx is done.
	Subscribe(ctx context.Context, group, consumer string, handler func(LifecycleEvent) error) error
}
