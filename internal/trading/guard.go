package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/calebmoy/perpagent/internal/domain"
)

// Outcome is the guard's answer for one logical operation key.
type Outcome struct {
	Proceed bool
	// Existing carries the previously recorded position when
	// Proceed=false; the caller must return its result to the client
	// as a success, never re-submit.
	Existing *domain.Position
}

// Guard performs the read side of idempotency checking against the
// position store. The write side is the store's atomic
// check-or-insert; the guard only short-circuits, the row constraint
// enforces.
type Guard struct {
	store domain.PositionStore
	// failOpen lets operations proceed when the store is unreachable.
	// The default is fail closed: duplicate submission moves real
	// capital, a rejected request does not.
	failOpen bool
	logger   *slog.Logger
}

// NewGuard creates a guard over the position store.
func NewGuard(store domain.PositionStore, failOpen bool, logger *slog.Logger) *Guard {
	return &Guard{
		store:    store,
		failOpen: failOpen,
		logger:   logger.With(slog.String("component", "guard")),
	}
}

// Check looks up an existing record for the key. A found row means the
// operation already ran (or is in flight) and its result must be
// replayed. A store failure fails closed with ErrGuardUnavailable
// unless fail-open was explicitly configured.
func (g *Guard) Check(ctx context.Context, key domain.IdempotencyKey) (Outcome, error) {
	pos, err := g.store.GetByKey(ctx, key)
	if err == nil {
		return Outcome{Existing: &pos}, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return Outcome{Proceed: true}, nil
	}

	if g.failOpen {
		g.logger.WarnContext(ctx, "idempotency store unreachable, proceeding fail-open",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
		return Outcome{Proceed: true}, nil
	}
	return Outcome{}, fmt.Errorf("trading: idempotency check for %s: %w", key, domain.ErrGuardUnavailable)
}
