package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calebmoy/perpagent/internal/domain"
)

const catalogKey = "market:catalog"

// MarketCache implements domain.MarketCache by storing the whole venue
// pair catalog as one JSON value with a TTL. The catalog is small
// (tens of pairs) and always consumed whole, so per-market keys would
// only add round trips.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

// SetCatalog stores the catalog snapshot with the given TTL.
func (mc *MarketCache) SetCatalog(ctx context.Context, markets []domain.Market, ttl time.Duration) error {
	data, err := json.Marshal(markets)
	if err != nil {
		return fmt.Errorf("redis: marshal market catalog: %w", err)
	}
	if err := mc.rdb.Set(ctx, catalogKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market catalog: %w", err)
	}
	return nil
}

// GetCatalog returns the cached catalog snapshot, or domain.ErrNotFound
// when it expired or was never set.
func (mc *MarketCache) GetCatalog(ctx context.Context) ([]domain.Market, error) {
	data, err := mc.rdb.Get(ctx, catalogKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get market catalog: %w", err)
	}

	var markets []domain.Market
	if err := json.Unmarshal(data, &markets); err != nil {
		return nil, fmt.Errorf("redis: unmarshal market catalog: %w", err)
	}
	return markets, nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
