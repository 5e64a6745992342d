package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// PriceRefresher re-primes the price cache from the feed.
type PriceRefresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// MarketRefresher re-syncs the market catalog from the venue.
type MarketRefresher interface {
	Refresh(ctx context.Context) ([]domain.Market, error)
}

// Refresher keeps the price cache and market catalog warm so request
// paths rarely have to reach the venue synchronously.
type Refresher struct {
	prices         PriceRefresher
	markets        MarketRefresher
	priceInterval  time.Duration
	marketInterval time.Duration
	logger         *slog.Logger
}

// NewRefresher creates a Refresher with the given intervals.
func NewRefresher(prices PriceRefresher, markets MarketRefresher, priceInterval, marketInterval time.Duration, logger *slog.Logger) *Refresher {
	if priceInterval <= 0 {
		priceInterval = 5 * time.Second
	}
	if marketInterval <= 0 {
		marketInterval = 10 * time.Minute
	}
	return &Refresher{
		prices:         prices,
		markets:        markets,
		priceInterval:  priceInterval,
		marketInterval: marketInterval,
		logger:         logger.With(slog.String("component", "refresher")),
	}
}

// Run refreshes prices and markets on their tickers until the context
// is cancelled. An initial market sync runs immediately so the catalog
// is populated before the first request arrives.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("refresher started",
		slog.Duration("price_interval", r.priceInterval),
		slog.Duration("market_interval", r.marketInterval),
	)

	r.refreshMarkets(ctx)

	priceTicker := time.NewTicker(r.priceInterval)
	defer priceTicker.Stop()
	marketTicker := time.NewTicker(r.marketInterval)
	defer marketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopped")
			return ctx.Err()
		case <-priceTicker.C:
			count, err := r.prices.RefreshAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.WarnContext(ctx, "price refresh failed",
					slog.String("error", err.Error()))
				continue
			}
			r.logger.DebugContext(ctx, "prices refreshed", slog.Int("count", count))
		case <-marketTicker.C:
			r.refreshMarkets(ctx)
		}
	}
}

func (r *Refresher) refreshMarkets(ctx context.Context) {
	markets, err := r.markets.Refresh(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "market catalog refresh failed",
			slog.String("error", err.Error()))
		return
	}
	r.logger.InfoContext(ctx, "market catalog refreshed",
		slog.Int("count", len(markets)))
}
