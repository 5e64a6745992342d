package trading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
	"github.com/calebmoy/perpagent/internal/session"
)

// SessionSource is the slice of the session pool the submitter needs.
type SessionSource interface {
	Acquire(ctx context.Context, cred domain.Credential, delegated, forceNew bool) (*session.Session, error)
	Invalidate(cred domain.Credential, delegated bool)
}

// OpFunc performs one mutating venue operation on a session.
type OpFunc func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error)

// Result is the outcome of a Submit call.
type Result struct {
	Receipt        ostium.TxReceipt
	AlreadySettled bool
	Class          Classification
	Attempts       int
}

// Submitter runs a single mutating operation with bounded retry.
// Retries happen only for failures classified transient, each on a
// freshly built session, with a linearly scaled backoff between
// attempts.
type Submitter struct {
	pool        SessionSource
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger

	// classify and sleep are swappable in tests.
	classify func(error) Classification
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewSubmitter creates a submitter with the given retry bounds.
func NewSubmitter(pool SessionSource, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *Submitter {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Submitter{
		pool:        pool,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger.With(slog.String("component", "submitter")),
		classify:    Classify,
		sleep:       sleepCtx,
	}
}

// Submit acquires a session for the credential and runs op, retrying
// transient failures up to the attempt bound. AlreadySettled is
// returned as success with the flag set. InsufficientFunds and
// Terminal failures return immediately; exhausted transient attempts
// return domain.ErrServiceUnavailable.
func (s *Submitter) Submit(ctx context.Context, cred domain.Credential, delegated bool, opName string, op OpFunc) (Result, error) {
	var last Classification

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		// Rebuild the session on every retry: the previous one is
		// suspect after a transient failure.
		sess, err := s.pool.Acquire(ctx, cred, delegated, attempt > 1)
		if err != nil {
			last = s.classify(err)
			s.logger.WarnContext(ctx, "session acquire failed",
				slog.String("op", opName),
				slog.Int("attempt", attempt),
				slog.String("kind", last.Kind.String()),
				slog.String("error", err.Error()))
			if last.Kind != KindTransient {
				return Result{Class: last, Attempts: attempt}, fmt.Errorf("trading: %s: acquiring session: %w", opName, err)
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return Result{Class: last, Attempts: attempt}, err
			}
			continue
		}

		receipt, err := op(ctx, sess)
		if err == nil {
			return Result{Receipt: receipt, Attempts: attempt}, nil
		}

		class := s.classify(err)
		last = class
		switch class.Kind {
		case KindAlreadySettled:
			s.logger.InfoContext(ctx, "operation already settled on venue",
				slog.String("op", opName),
				slog.String("code", class.Code))
			return Result{AlreadySettled: true, Class: class, Attempts: attempt}, nil

		case KindInsufficientFunds:
			return Result{Class: class, Attempts: attempt},
				fmt.Errorf("trading: %s: %w: %s", opName, domain.ErrInsufficientFunds, class.Detail)

		case KindTerminal:
			return Result{Class: class, Attempts: attempt},
				fmt.Errorf("trading: %s rejected by venue: %w", opName, err)

		case KindTransient:
			s.pool.Invalidate(cred, delegated)
			s.logger.WarnContext(ctx, "transient failure, will retry",
				slog.String("op", opName),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", s.maxAttempts),
				slog.String("error", err.Error()))
			if attempt < s.maxAttempts {
				if err := s.backoff(ctx, attempt); err != nil {
					return Result{Class: last, Attempts: attempt}, err
				}
			}
		}
	}

	return Result{Class: last, Attempts: s.maxAttempts},
		fmt.Errorf("trading: %s after %d attempts: %w", opName, s.maxAttempts, domain.ErrServiceUnavailable)
}

// backoff waits base*attempt (2s, 4s, 6s with the default base),
// honoring cancellation.
func (s *Submitter) backoff(ctx context.Context, attempt int) error {
	return s.sleep(ctx, s.backoffBase*time.Duration(attempt))
}

// sleepCtx sleeps for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
