package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
)

func testPool(t *testing.T, builds *atomic.Int64) *Pool {
	t.Helper()
	p := NewPool(Config{
		PrimaryRPC:      "http://primary.invalid",
		BackupRPC:       "http://backup.invalid",
		ChainID:         42161,
		TradingContract: "0x0000000000000000000000000000000000000001",
		SubgraphURL:     "http://subgraph.invalid",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.buildFn = func(_ context.Context, cred domain.Credential, delegated bool) (*Session, error) {
		builds.Add(1)
		return &Session{
			Cred:      cred,
			Delegated: delegated,
			Endpoint:  "http://primary.invalid",
			BuiltAt:   time.Now(),
		}, nil
	}
	return p
}

func TestAcquireCachesPerCredentialAndMode(t *testing.T) {
	var builds atomic.Int64
	p := testPool(t, &builds)
	ctx := context.Background()
	cred := domain.Credential{Address: "0xaa", PrivateKey: "aabb"}

	s1, err := p.Acquire(ctx, cred, true, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s2, err := p.Acquire(ctx, cred, true, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("second acquire should return the cached session")
	}
	if builds.Load() != 1 {
		t.Errorf("expected 1 build, got %d", builds.Load())
	}

	// Same credential, other delegation mode: a distinct session.
	s3, err := p.Acquire(ctx, cred, false, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s3 == s1 {
		t.Error("delegation mode must key separate sessions")
	}
	if builds.Load() != 2 {
		t.Errorf("expected 2 builds, got %d", builds.Load())
	}
}

func TestAcquireForceNewReplaces(t *testing.T) {
	var builds atomic.Int64
	p := testPool(t, &builds)
	ctx := context.Background()
	cred := domain.Credential{Address: "0xaa", PrivateKey: "aabb"}

	s1, _ := p.Acquire(ctx, cred, false, false)
	s2, err := p.Acquire(ctx, cred, false, true)
	if err != nil {
		t.Fatalf("Acquire forceNew: %v", err)
	}
	if s1 == s2 {
		t.Error("forceNew must build a fresh session")
	}
	if builds.Load() != 2 {
		t.Errorf("expected 2 builds, got %d", builds.Load())
	}

	// The replacement is published for subsequent callers.
	s3, _ := p.Acquire(ctx, cred, false, false)
	if s3 != s2 {
		t.Error("cache should hold the rebuilt session")
	}
}

func TestInvalidateDropsEntry(t *testing.T) {
	var builds atomic.Int64
	p := testPool(t, &builds)
	ctx := context.Background()
	cred := domain.Credential{Address: "0xaa", PrivateKey: "aabb"}

	s1, _ := p.Acquire(ctx, cred, false, false)
	p.Invalidate(cred, false)
	s2, _ := p.Acquire(ctx, cred, false, false)
	if s1 == s2 {
		t.Error("invalidate should force a rebuild on next acquire")
	}
}

// A zero-value client panics if anything calls Close on it, so this
// test fails loudly if eviction or replacement ever closes a session a
// borrower may still be using.
func TestEvictionLeavesBorrowedSessionOpen(t *testing.T) {
	var builds atomic.Int64
	p := testPool(t, &builds)
	inner := p.buildFn
	p.buildFn = func(ctx context.Context, cred domain.Credential, delegated bool) (*Session, error) {
		sess, err := inner(ctx, cred, delegated)
		if err != nil {
			return nil, err
		}
		sess.Client = &ostium.Client{}
		return sess, nil
	}

	ctx := context.Background()
	cred := domain.Credential{Address: "0xaa", PrivateKey: "aabb"}

	borrowed, err := p.Acquire(ctx, cred, false, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Invalidate and rebuild while the first session is still borrowed.
	p.Invalidate(cred, false)
	replacement, err := p.Acquire(ctx, cred, false, true)
	if err != nil {
		t.Fatalf("Acquire forceNew: %v", err)
	}
	if replacement == borrowed {
		t.Fatal("expected a fresh session after invalidation")
	}
	if borrowed.Client == nil {
		t.Error("borrowed session must keep its client")
	}
}

func TestConcurrentAcquireBuildsOnce(t *testing.T) {
	var builds atomic.Int64
	p := testPool(t, &builds)
	// Slow build to widen the race window.
	inner := p.buildFn
	p.buildFn = func(ctx context.Context, cred domain.Credential, delegated bool) (*Session, error) {
		time.Sleep(20 * time.Millisecond)
		return inner(ctx, cred, delegated)
	}

	cred := domain.Credential{Address: "0xaa", PrivateKey: "aabb"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(context.Background(), cred, false, false); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("concurrent acquires should collapse to 1 build, got %d", builds.Load())
	}
}
