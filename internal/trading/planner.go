package trading

import (
	"fmt"

	"github.com/calebmoy/perpagent/internal/domain"
)

// StopPlan is the outcome of planning a stop-loss trigger.
type StopPlan struct {
	Price float64
	// AdjustedPct is the effective percentage from the reference price
	// after clamping; equals the requested percent when unclamped.
	AdjustedPct float64
	Clamped     bool
}

// PlanStopLoss computes a stop-loss trigger price from a percentage
// offset off the reference price, clamped so it never sits within
// buffer (relative) of the liquidation price. liquidationPrice may be
// nil when no estimate is available.
func PlanStopLoss(side domain.TradeSide, referencePrice, percent float64, liquidationPrice *float64, buffer float64) StopPlan {
	var price float64
	if side == domain.SideLong {
		price = referencePrice * (1 - percent)
	} else {
		price = referencePrice * (1 + percent)
	}

	plan := StopPlan{Price: price, AdjustedPct: percent}
	if liquidationPrice == nil || *liquidationPrice <= 0 {
		return plan
	}

	if side == domain.SideLong {
		minSafe := *liquidationPrice * (1 + buffer)
		if price < minSafe {
			plan.Price = minSafe
			plan.Clamped = true
			plan.AdjustedPct = 1 - minSafe/referencePrice
		}
	} else {
		maxSafe := *liquidationPrice * (1 - buffer)
		if price > maxSafe {
			plan.Price = maxSafe
			plan.Clamped = true
			plan.AdjustedPct = maxSafe/referencePrice - 1
		}
	}
	return plan
}

// PlanTakeProfit computes a take-profit trigger from the entry price,
// not the current price, so it represents a fixed profit target.
func PlanTakeProfit(side domain.TradeSide, entryPrice, percent float64) float64 {
	if side == domain.SideLong {
		return entryPrice * (1 + percent)
	}
	return entryPrice * (1 - percent)
}

// ValidateTrigger rejects a protective price that would fire the
// moment it lands, before any network call is made.
func ValidateTrigger(side domain.TradeSide, kind domain.ProtectiveKind, price, mark float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: trigger price must be positive, got %g", domain.ErrValidation, price)
	}
	if mark <= 0 {
		return fmt.Errorf("%w: mark price must be positive, got %g", domain.ErrValidation, mark)
	}

	switch kind {
	case domain.ProtectiveStopLoss:
		// A long stop fires when the mark drops to the trigger; a short
		// stop when it rises to it.
		if side == domain.SideLong && price >= mark {
			return fmt.Errorf("%w: stop-loss %g would trigger immediately at mark %g", domain.ErrValidation, price, mark)
		}
		if side == domain.SideShort && price <= mark {
			return fmt.Errorf("%w: stop-loss %g would trigger immediately at mark %g", domain.ErrValidation, price, mark)
		}
	case domain.ProtectiveTakeProfit:
		if side == domain.SideLong && price <= mark {
			return fmt.Errorf("%w: take-profit %g would trigger immediately at mark %g", domain.ErrValidation, price, mark)
		}
		if side == domain.SideShort && price >= mark {
			return fmt.Errorf("%w: take-profit %g would trigger immediately at mark %g", domain.ErrValidation, price, mark)
		}
	default:
		return fmt.Errorf("%w: unknown protective kind %q", domain.ErrValidation, kind)
	}
	return nil
}
