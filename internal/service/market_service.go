// Package service contains the application services that coordinate
// stores, caches, the venue platform layer, and the trading core.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// PairSource fetches the venue pair catalog.
type PairSource interface {
	Pairs(ctx context.Context) ([]domain.Market, error)
}

// MarketService maintains the venue market catalog: Redis holds a
// TTL'd snapshot, PostgreSQL the durable copy, and the subgraph is the
// source of truth.
type MarketService struct {
	source PairSource
	store  domain.MarketStore
	cache  domain.MarketCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewMarketService creates a MarketService with all dependencies.
func NewMarketService(source PairSource, store domain.MarketStore, cache domain.MarketCache, ttl time.Duration, logger *slog.Logger) *MarketService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketService{
		source: source,
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// Refresh pulls the catalog from the venue, persists it, and reprimes
// the cache.
func (s *MarketService) Refresh(ctx context.Context) ([]domain.Market, error) {
	markets, err := s.source.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: fetch pairs: %w", err)
	}

	if err := s.store.UpsertBatch(ctx, markets); err != nil {
		return nil, fmt.Errorf("market_service: persist catalog: %w", err)
	}
	if err := s.cache.SetCatalog(ctx, markets, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "catalog cache prime failed",
			slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "market catalog refreshed",
		slog.Int("pairs", len(markets)))
	return markets, nil
}

// Catalog returns the active market catalog, preferring the cache,
// falling back to the store, and refreshing from the venue when both
// are empty.
func (s *MarketService) Catalog(ctx context.Context) ([]domain.Market, error) {
	markets, err := s.cache.GetCatalog(ctx)
	if err == nil && len(markets) > 0 {
		return markets, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "catalog cache read failed",
			slog.String("error", err.Error()))
	}

	markets, err = s.store.ListActive(ctx)
	if err == nil && len(markets) > 0 {
		if cacheErr := s.cache.SetCatalog(ctx, markets, s.ttl); cacheErr != nil {
			s.logger.WarnContext(ctx, "catalog cache reprime failed",
				slog.String("error", cacheErr.Error()))
		}
		return markets, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "catalog store read failed",
			slog.String("error", err.Error()))
	}

	return s.Refresh(ctx)
}

// Validate checks that a symbol is a tradable pair and the requested
// leverage sits inside its bounds, returning the catalog row on
// success.
func (s *MarketService) Validate(ctx context.Context, symbol string, leverage float64) (domain.Market, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return domain.Market{}, fmt.Errorf("market_service: %w: empty market symbol", domain.ErrValidation)
	}

	markets, err := s.Catalog(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: %w: %v", domain.ErrMarketUnavailable, err)
	}

	for _, m := range markets {
		if m.Symbol != symbol {
			continue
		}
		if !m.IsActive {
			return domain.Market{}, fmt.Errorf("market_service: %w: %s is not tradable", domain.ErrMarketUnavailable, symbol)
		}
		if m.MaxLeverage > 0 && leverage > m.MaxLeverage {
			return domain.Market{}, fmt.Errorf("market_service: %w: leverage %g above %s maximum %g",
				domain.ErrValidation, leverage, symbol, m.MaxLeverage)
		}
		if m.MinLeverage > 0 && leverage < m.MinLeverage {
			return domain.Market{}, fmt.Errorf("market_service: %w: leverage %g below %s minimum %g",
				domain.ErrValidation, leverage, symbol, m.MinLeverage)
		}
		return m, nil
	}

	return domain.Market{}, fmt.Errorf("market_service: %w: unknown market %s", domain.ErrMarketUnavailable, symbol)
}
