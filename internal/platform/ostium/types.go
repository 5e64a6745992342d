// Package ostium wraps the Ostium perpetuals venue on Arbitrum: the
// trading contract (transactions), the subgraph (lagging read index),
// and the price feed.
package ostium

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// Fixed-point scales used on the wire. Collateral is USDC (6 decimals),
// prices are 18-decimal fixed point, leverage is stored times 100.
const (
	CollateralScale = 1e6
	PriceScale      = 1e18
	LeverageScale   = 100
)

var (
	collateralScaleInt = big.NewInt(CollateralScale)
	priceScaleInt      = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// ToCollateralUnits converts a USDC amount to 6-decimal wire units.
func ToCollateralUnits(usdc float64) *big.Int {
	u := new(big.Float).Mul(big.NewFloat(usdc), big.NewFloat(CollateralScale))
	out, _ := u.Int(nil)
	return out
}

// FromCollateralUnits converts 6-decimal wire units to a USDC amount.
func FromCollateralUnits(units *big.Int) float64 {
	if units == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(CollateralScale)).Float64()
	return f
}

// ToPriceUnits converts a price to 18-decimal wire units.
func ToPriceUnits(price float64) *big.Int {
	u := new(big.Float).Mul(big.NewFloat(price), new(big.Float).SetInt(priceScaleInt))
	out, _ := u.Int(nil)
	return out
}

// FromPriceUnits converts 18-decimal wire units to a price.
func FromPriceUnits(units *big.Int) float64 {
	if units == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), new(big.Float).SetInt(priceScaleInt)).Float64()
	return f
}

// ToLeverageUnits converts a leverage multiplier to wire units (x100).
func ToLeverageUnits(leverage float64) uint32 {
	return uint32(leverage*LeverageScale + 0.5)
}

// FromLeverageUnits converts wire leverage units to a multiplier.
func FromLeverageUnits(units uint32) float64 {
	return float64(units) / LeverageScale
}

// parseDecString parses a decimal wire string ("12000000") into big.Int.
// The subgraph serializes all BigInt fields as strings.
func parseDecString(s string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// parseUint parses a small numeric wire string.
func parseUint(s string) uint32 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// sgPair is the pair object embedded in subgraph rows.
type sgPair struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// sgTrade is an open trade row from the subgraph.
type sgTrade struct {
	ID              string `json:"id"`
	Trader          string `json:"trader"`
	Pair            sgPair `json:"pair"`
	Index           string `json:"index"`
	Collateral      string `json:"collateral"`
	Leverage        string `json:"leverage"`
	OpenPrice       string `json:"openPrice"`
	StopLossPrice   string `json:"stopLossPrice"`
	TakeProfitPrice string `json:"takeProfitPrice"`
	IsBuy           bool   `json:"isBuy"`
	IsOpen          bool   `json:"isOpen"`
	Timestamp       string `json:"timestamp"`
}

// sgOrder is a historical order row (opens and closes) from the subgraph.
type sgOrder struct {
	ID         string `json:"id"`
	Trader     string `json:"trader"`
	Pair       sgPair `json:"pair"`
	TradeID    string `json:"tradeID"`
	TradeIndex string `json:"tradeIndex"`
	Collateral string `json:"collateral"`
	Leverage   string `json:"leverage"`
	OpenPrice  string `json:"openPrice"`
	ClosePrice string `json:"closePrice"`
	ProfitPerc string `json:"profitPercent"`
	AmountSent string `json:"amountSentToTrader"`
	TotalFees  string `json:"totalFees"`
	IsBuy      bool   `json:"isBuy"`
	OrderType  string `json:"orderAction"`
	TxHash     string `json:"txHash"`
	Timestamp  string `json:"timestamp"`
}

// sgPairDetail is a catalog row from the subgraph.
type sgPairDetail struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	To          string `json:"to"`
	MaxLeverage string `json:"maxLeverage"`
	MinLeverage string `json:"minLeverage"`
}

func (t sgTrade) toDomain() domain.IndexedTrade {
	side := domain.SideShort
	if t.IsBuy {
		side = domain.SideLong
	}
	ts := parseDecString(t.Timestamp).Int64()
	out := domain.IndexedTrade{
		TradeID:    t.ID,
		Trader:     strings.ToLower(t.Trader),
		PairIndex:  parseUint(t.Pair.ID),
		Index:      parseUint(t.Index),
		Market:     strings.ToUpper(t.Pair.From),
		Side:       side,
		Collateral: FromCollateralUnits(parseDecString(t.Collateral)),
		Leverage:   FromLeverageUnits(parseUint(t.Leverage)),
		OpenPrice:  FromPriceUnits(parseDecString(t.OpenPrice)),
		StopLoss:   FromPriceUnits(parseDecString(t.StopLossPrice)),
		TakeProfit: FromPriceUnits(parseDecString(t.TakeProfitPrice)),
	}
	if ts > 0 {
		out.Timestamp = time.Unix(ts, 0).UTC()
	}
	return out
}
