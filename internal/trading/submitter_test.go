package trading

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
	"github.com/calebmoy/perpagent/internal/session"
)

type fakePool struct {
	acquires    int
	forceNew    []bool
	invalidated int
	acquireErr  error
}

func (p *fakePool) Acquire(ctx context.Context, cred domain.Credential, delegated, forceNew bool) (*session.Session, error) {
	p.acquires++
	p.forceNew = append(p.forceNew, forceNew)
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &session.Session{Cred: cred, Delegated: delegated}, nil
}

func (p *fakePool) Invalidate(cred domain.Credential, delegated bool) {
	p.invalidated++
}

func newTestSubmitter(pool SessionSource, maxAttempts int) *Submitter {
	s := NewSubmitter(pool, maxAttempts, time.Millisecond, slog.Default())
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

var testCred = domain.Credential{Address: "0xagent"}

func TestSubmitSucceedsFirstAttempt(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	res, err := s.Submit(context.Background(), testCred, true, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return ostium.TxReceipt{TxHash: "0xabc"}, nil
		})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Receipt.TxHash != "0xabc" || res.Attempts != 1 {
		t.Errorf("res = %+v", res)
	}
	if len(pool.forceNew) != 1 || pool.forceNew[0] {
		t.Errorf("first attempt must not force a rebuild: %v", pool.forceNew)
	}
}

func TestSubmitExhaustsTransientFailures(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	calls := 0
	_, err := s.Submit(context.Background(), testCred, false, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			calls++
			return ostium.TxReceipt{}, errors.New("dial tcp: connection refused")
		})
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("want ErrServiceUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	// Every retry rebuilds the session.
	want := []bool{false, true, true}
	for i, f := range pool.forceNew {
		if f != want[i] {
			t.Errorf("forceNew = %v, want %v", pool.forceNew, want)
			break
		}
	}
	if pool.invalidated != 3 {
		t.Errorf("invalidated %d times, want 3", pool.invalidated)
	}
}

func TestSubmitAlreadySettledIsSuccess(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	res, err := s.Submit(context.Background(), testCred, true, "closeTradeMarket",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return ostium.TxReceipt{}, fakeDataError{msg: "execution reverted", data: "0xf77a8069"}
		})
	if err != nil {
		t.Fatalf("already-settled must not be an error: %v", err)
	}
	if !res.AlreadySettled {
		t.Error("AlreadySettled flag not set")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on settled)", res.Attempts)
	}
}

func TestSubmitTerminalDoesNotRetry(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	calls := 0
	venueErr := errors.New("execution reverted: BelowMinLevPos")
	_, err := s.Submit(context.Background(), testCred, true, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			calls++
			return ostium.TxReceipt{}, venueErr
		})
	if err == nil || !errors.Is(err, venueErr) {
		t.Fatalf("want wrapped venue error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestSubmitDoesNotRetryAfterTxAccepted(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	// A mining-wait timeout arrives after the node accepted the
	// transaction. Re-running the op could double-open the position,
	// so exactly one invocation is allowed.
	calls := 0
	waitErr := &ostium.AcceptedTxError{Op: "openTrade", TxHash: "0xabc", Err: context.DeadlineExceeded}
	_, err := s.Submit(context.Background(), testCred, true, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			calls++
			return ostium.TxReceipt{}, waitErr
		})
	if err == nil || !errors.Is(err, waitErr) {
		t.Fatalf("want wrapped wait error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
	if pool.invalidated != 0 {
		t.Errorf("invalidated %d times, want 0 (session was healthy)", pool.invalidated)
	}
}

func TestSubmitInsufficientFunds(t *testing.T) {
	pool := &fakePool{}
	s := newTestSubmitter(pool, 3)

	_, err := s.Submit(context.Background(), testCred, true, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return ostium.TxReceipt{}, errors.New("insufficient funds for gas * price + value")
		})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if pool.acquires != 1 {
		t.Errorf("acquires = %d, want 1", pool.acquires)
	}
}

func TestSubmitNonTransientAcquireFailure(t *testing.T) {
	pool := &fakePool{acquireErr: errors.New("vault: agent key mismatch")}
	s := newTestSubmitter(pool, 3)

	_, err := s.Submit(context.Background(), testCred, true, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			t.Fatal("op must not run without a session")
			return ostium.TxReceipt{}, nil
		})
	if err == nil {
		t.Fatal("want error")
	}
	if pool.acquires != 1 {
		t.Errorf("acquires = %d, want 1 (no retry on terminal acquire)", pool.acquires)
	}
}

func TestSubmitBackoffScalesLinearly(t *testing.T) {
	pool := &fakePool{}
	s := NewSubmitter(pool, 3, 2*time.Second, slog.Default())

	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := s.Submit(context.Background(), testCred, false, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return ostium.TxReceipt{}, errors.New("i/o timeout")
		})
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("want ErrServiceUnavailable, got %v", err)
	}
	// Two sleeps between three attempts, no sleep after the last.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("slept %v, want %v", slept, want)
			break
		}
	}
}
