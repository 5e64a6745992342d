package domain

import "time"

// Market is one tradable pair in the venue catalog.
type Market struct {
	PairIndex   uint32
	Symbol      string // base asset, e.g. "BTC"
	Quote       string // quote asset, e.g. "USD"
	MaxLeverage float64
	MinLeverage float64
	IsActive    bool
	UpdatedAt   time.Time
}

// DisplayName renders the pair as "BTC/USD".
func (m Market) DisplayName() string {
	return m.Symbol + "/" + m.Quote
}
