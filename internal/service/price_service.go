package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// PriceSource fetches mark prices from the venue price publisher.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
	LatestPrices(ctx context.Context) (map[string]float64, error)
}

// BatchPriceCache extends the domain price cache with a pipelined
// batch write used by RefreshAll.
type BatchPriceCache interface {
	domain.PriceCache
	SetPrices(ctx context.Context, prices map[string]float64, ts time.Time) error
}

// PriceService serves mark prices, caching publisher reads so hot
// markets do not hammer the feed.
type PriceService struct {
	feed   PriceSource
	cache  BatchPriceCache
	maxAge time.Duration
	logger *slog.Logger
}

// NewPriceService creates a PriceService with all dependencies.
func NewPriceService(feed PriceSource, cache BatchPriceCache, maxAge time.Duration, logger *slog.Logger) *PriceService {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &PriceService{
		feed:   feed,
		cache:  cache,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// MarkPrice returns the current mark price for a symbol. A cached
// price younger than maxAge is served as is; otherwise the publisher
// is queried and the cache refreshed. A stale cached price is the
// fallback when the publisher is down.
func (s *PriceService) MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	cached, ts, cacheErr := s.cache.GetPrice(ctx, symbol)
	if cacheErr == nil && time.Since(ts) <= s.maxAge {
		return cached, ts, nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "price cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", cacheErr.Error()))
	}

	price, feedErr := s.feed.Price(ctx, symbol)
	if feedErr == nil {
		now := time.Now().UTC()
		if err := s.cache.SetPrice(ctx, symbol, price, now); err != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
		return price, now, nil
	}

	if cacheErr == nil {
		s.logger.WarnContext(ctx, "price feed down, serving stale price",
			slog.String("symbol", symbol),
			slog.Duration("age", time.Since(ts)),
			slog.String("error", feedErr.Error()))
		return cached, ts, nil
	}

	return 0, time.Time{}, fmt.Errorf("price_service: %w: %s: %v", domain.ErrPriceUnavailable, symbol, feedErr)
}

// RefreshAll pulls the full publisher snapshot into the cache with one
// pipelined write. The reconcile worker calls this on a ticker.
func (s *PriceService) RefreshAll(ctx context.Context) (int, error) {
	prices, err := s.feed.LatestPrices(ctx)
	if err != nil {
		return 0, fmt.Errorf("price_service: refresh all: %w", err)
	}
	if len(prices) == 0 {
		return 0, nil
	}

	if err := s.cache.SetPrices(ctx, prices, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("price_service: prime price cache: %w", err)
	}
	return len(prices), nil
}
