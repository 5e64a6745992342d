// Package worker runs the background loops: index reconciliation,
// price and market catalog refresh, and cold-storage archiving.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// SubmittedReconciler retries index resolution for submitted positions.
type SubmittedReconciler interface {
	ReconcileSubmitted(ctx context.Context, limit int) (int, error)
}

// Reconciler periodically re-resolves positions whose on-chain trade
// identifiers were not discoverable at open time.
type Reconciler struct {
	lifecycle SubmittedReconciler
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler polling at the given interval,
// handling at most batch positions per pass.
func NewReconciler(lifecycle SubmittedReconciler, interval time.Duration, batch int, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 25
	}
	return &Reconciler{
		lifecycle: lifecycle,
		interval:  interval,
		batch:     batch,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run executes reconciliation passes until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			resolved, err := r.lifecycle.ReconcileSubmitted(ctx, r.batch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.ErrorContext(ctx, "reconcile pass failed",
					slog.String("error", err.Error()))
				continue
			}
			if resolved > 0 {
				r.logger.InfoContext(ctx, "reconcile pass resolved positions",
					slog.Int("resolved", resolved))
			}
		}
	}
}
