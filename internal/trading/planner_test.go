package trading

import (
	"math"
	"testing"

	"github.com/calebmoy/perpagent/internal/domain"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPlanStopLossClampsAboveLiquidation(t *testing.T) {
	// Long at 100 with a 10% stop would sit at 90, below the 95
	// liquidation estimate. The plan clamps to 95*1.02 = 96.9.
	liq := 95.0
	plan := PlanStopLoss(domain.SideLong, 100, 0.10, &liq, 0.02)
	if !plan.Clamped {
		t.Fatal("expected clamp")
	}
	if !almostEqual(plan.Price, 96.9) {
		t.Errorf("price = %g, want 96.9", plan.Price)
	}
	if !almostEqual(plan.AdjustedPct, 1-96.9/100) {
		t.Errorf("adjusted pct = %g", plan.AdjustedPct)
	}
}

func TestPlanStopLossUnclamped(t *testing.T) {
	liq := 80.0
	plan := PlanStopLoss(domain.SideLong, 100, 0.10, &liq, 0.02)
	if plan.Clamped {
		t.Fatal("unexpected clamp")
	}
	if !almostEqual(plan.Price, 90) || !almostEqual(plan.AdjustedPct, 0.10) {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlanStopLossShortClampsBelowLiquidation(t *testing.T) {
	// Short at 100 with a 10% stop at 110, above the 105 liquidation
	// estimate. Clamps down to 105*0.98 = 102.9.
	liq := 105.0
	plan := PlanStopLoss(domain.SideShort, 100, 0.10, &liq, 0.02)
	if !plan.Clamped {
		t.Fatal("expected clamp")
	}
	if !almostEqual(plan.Price, 102.9) {
		t.Errorf("price = %g, want 102.9", plan.Price)
	}
	if !almostEqual(plan.AdjustedPct, 102.9/100-1) {
		t.Errorf("adjusted pct = %g", plan.AdjustedPct)
	}
}

func TestPlanStopLossNoLiquidationEstimate(t *testing.T) {
	plan := PlanStopLoss(domain.SideLong, 100, 0.10, nil, 0.02)
	if plan.Clamped || !almostEqual(plan.Price, 90) {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlanTakeProfit(t *testing.T) {
	cases := []struct {
		side    domain.TradeSide
		entry   float64
		percent float64
		want    float64
	}{
		{domain.SideLong, 100, 0.30, 130},
		{domain.SideShort, 100, 0.30, 70},
		{domain.SideLong, 2500, 0.05, 2625},
	}
	for _, tc := range cases {
		got := PlanTakeProfit(tc.side, tc.entry, tc.percent)
		if !almostEqual(got, tc.want) {
			t.Errorf("PlanTakeProfit(%s, %g, %g) = %g, want %g",
				tc.side, tc.entry, tc.percent, got, tc.want)
		}
	}
}

func TestValidateTrigger(t *testing.T) {
	cases := []struct {
		name    string
		side    domain.TradeSide
		kind    domain.ProtectiveKind
		price   float64
		mark    float64
		wantErr bool
	}{
		{"long sl below mark", domain.SideLong, domain.ProtectiveStopLoss, 90, 100, false},
		{"long sl at mark", domain.SideLong, domain.ProtectiveStopLoss, 100, 100, true},
		{"long sl above mark", domain.SideLong, domain.ProtectiveStopLoss, 105, 100, true},
		{"short sl above mark", domain.SideShort, domain.ProtectiveStopLoss, 110, 100, false},
		{"short sl below mark", domain.SideShort, domain.ProtectiveStopLoss, 95, 100, true},
		{"long tp above mark", domain.SideLong, domain.ProtectiveTakeProfit, 130, 100, false},
		{"long tp below mark", domain.SideLong, domain.ProtectiveTakeProfit, 95, 100, true},
		{"short tp below mark", domain.SideShort, domain.ProtectiveTakeProfit, 70, 100, false},
		{"short tp above mark", domain.SideShort, domain.ProtectiveTakeProfit, 110, 100, true},
		{"zero price", domain.SideLong, domain.ProtectiveStopLoss, 0, 100, true},
		{"zero mark", domain.SideLong, domain.ProtectiveStopLoss, 90, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTrigger(tc.side, tc.kind, tc.price, tc.mark)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateTrigger = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
