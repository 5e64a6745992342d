package ostium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// PriceFeed fetches mark prices from the venue's price publisher.
type PriceFeed struct {
	url        string
	httpClient *http.Client
}

// NewPriceFeed creates a price feed client for the latest-prices
// endpoint.
func NewPriceFeed(url string) *PriceFeed {
	return &PriceFeed{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// feedEntry is one published price. Mid is preferred; some feeds only
// publish bid/ask.
type feedEntry struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Mid  *float64 `json:"mid"`
	Bid  *float64 `json:"bid"`
	Ask  *float64 `json:"ask"`
}

// LatestPrices returns the current mark price for every published pair,
// keyed by base symbol.
func (p *PriceFeed) LatestPrices(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ostium/prices: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ostium/prices: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ostium/prices: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ostium/prices: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var entries []feedEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("ostium/prices: decode response: %w", err)
	}

	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		price := 0.0
		switch {
		case e.Mid != nil && *e.Mid > 0:
			price = *e.Mid
		case e.Bid != nil && e.Ask != nil && *e.Bid > 0 && *e.Ask > 0:
			price = (*e.Bid + *e.Ask) / 2
		}
		if price > 0 {
			out[strings.ToUpper(e.From)] = price
		}
	}
	return out, nil
}

// Price returns the mark price for one base symbol or
// domain.ErrPriceUnavailable when the feed does not publish it.
func (p *PriceFeed) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := p.LatestPrices(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPriceUnavailable, err)
	}
	price, ok := prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: no feed for %s", domain.ErrPriceUnavailable, symbol)
	}
	return price, nil
}
