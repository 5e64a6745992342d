package domain

import "time"

// IndexedTrade is an open trade as reported by the venue's lagging
// index. Values are already decoded from the venue's fixed-point wire
// representation.
type IndexedTrade struct {
	TradeID    string
	Trader     string
	PairIndex  uint32
	Index      uint32
	Market     string
	Side       TradeSide
	Collateral float64
	Leverage   float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	OpenTxHash string
	Timestamp  time.Time
}

// ResolvedTrade is the outcome of a successful index resolution: the
// identifiers every subsequent interaction with the position requires.
type ResolvedTrade struct {
	TradeID    string
	Index      uint32
	PairIndex  uint32
	EntryPrice float64
	OpenTxHash string
}

// ClosedFill is a historical close record from the index, used for
// closed-position queries and PnL reporting.
type ClosedFill struct {
	TradeID     string
	Trader      string
	PairIndex   uint32
	Index       uint32
	Market      string
	Side        TradeSide
	Collateral  float64
	Leverage    float64
	OpenPrice   float64
	ClosePrice  float64
	RealizedPnL float64
	Fees        float64
	CloseTxHash string
	ClosedAt    time.Time
}
