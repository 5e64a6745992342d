package ostium

import (
	"math"
	"testing"

	"github.com/calebmoy/perpagent/internal/domain"
)

func TestFixedPointScaling(t *testing.T) {
	if got := FromCollateralUnits(ToCollateralUnits(123.456789)); math.Abs(got-123.456789) > 1e-6 {
		t.Errorf("collateral round trip: %g", got)
	}
	if got := FromPriceUnits(ToPriceUnits(64250.5)); math.Abs(got-64250.5) > 1e-6 {
		t.Errorf("price round trip: %g", got)
	}
	if got := ToLeverageUnits(12.5); got != 1250 {
		t.Errorf("leverage units: %d", got)
	}
	if got := FromLeverageUnits(1250); got != 12.5 {
		t.Errorf("leverage multiplier: %g", got)
	}
}

func TestSubgraphTradeDecode(t *testing.T) {
	row := sgTrade{
		ID:              "0xabc-3",
		Trader:          "0xAbCdEf0000000000000000000000000000000001",
		Pair:            sgPair{ID: "2", From: "eth", To: "usd"},
		Index:           "1",
		Collateral:      "250000000",              // 250 USDC
		Leverage:        "1000",                   // 10x
		OpenPrice:       "3200000000000000000000", // 3200
		StopLossPrice:   "2900000000000000000000", // 2900
		TakeProfitPrice: "4000000000000000000000", // 4000
		IsBuy:           true,
		IsOpen:          true,
		Timestamp:       "1735689600",
	}

	got := row.toDomain()
	if got.Market != "ETH" || got.Side != domain.SideLong {
		t.Errorf("market/side: %s %s", got.Market, got.Side)
	}
	if got.PairIndex != 2 || got.Index != 1 {
		t.Errorf("pair/index: %d %d", got.PairIndex, got.Index)
	}
	if math.Abs(got.Collateral-250) > 1e-9 {
		t.Errorf("collateral: %g", got.Collateral)
	}
	if math.Abs(got.Leverage-10) > 1e-9 {
		t.Errorf("leverage: %g", got.Leverage)
	}
	if math.Abs(got.OpenPrice-3200) > 1e-6 {
		t.Errorf("open price: %g", got.OpenPrice)
	}
	if got.Trader != "0xabcdef0000000000000000000000000000000001" {
		t.Errorf("trader not lowercased: %s", got.Trader)
	}
}

func TestOrderEventClosePnL(t *testing.T) {
	row := sgOrder{
		ID:         "0xdef-1",
		Trader:     "0x01",
		Pair:       sgPair{ID: "0", From: "btc", To: "usd"},
		TradeID:    "0xdef",
		TradeIndex: "0",
		Collateral: "100000000", // 100 USDC in
		AmountSent: "130000000", // 130 USDC back
		TotalFees:  "2000000",   // 2 USDC
		OpenPrice:  "60000000000000000000000",
		ClosePrice: "78000000000000000000000",
		IsBuy:      true,
		OrderType:  "TradeClosedMarket",
		TxHash:     "0xfeed",
		Timestamp:  "1735689600",
	}

	ev := row.toEvent()
	if !ev.IsClose {
		t.Fatal("expected close event")
	}
	if math.Abs(ev.RealizedPnL-30) > 1e-9 {
		t.Errorf("pnl: %g", ev.RealizedPnL)
	}
	if math.Abs(ev.Fees-2) > 1e-9 {
		t.Errorf("fees: %g", ev.Fees)
	}

	row.OrderType = "TradeOpenedMarket"
	if ev := row.toEvent(); ev.IsClose || ev.RealizedPnL != 0 {
		t.Errorf("open event misclassified: close=%v pnl=%g", ev.IsClose, ev.RealizedPnL)
	}
}
