package trading

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// guardStore implements only the lookup the guard uses; the rest of
// the interface panics to catch accidental calls.
type guardStore struct {
	domain.PositionStore
	pos *domain.Position
	err error
}

func (s *guardStore) GetByKey(ctx context.Context, key domain.IdempotencyKey) (domain.Position, error) {
	if s.err != nil {
		return domain.Position{}, s.err
	}
	if s.pos == nil {
		return domain.Position{}, domain.ErrNotFound
	}
	return *s.pos, nil
}

var guardKey = domain.IdempotencyKey{
	DeploymentID: "dep-1",
	SignalID:     "sig-1",
	Venue:        "OSTIUM",
}

func TestGuardProceedsWhenAbsent(t *testing.T) {
	g := NewGuard(&guardStore{}, false, slog.Default())
	out, err := g.Check(context.Background(), guardKey)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.Proceed || out.Existing != nil {
		t.Errorf("out = %+v", out)
	}
}

func TestGuardReplaysExistingPosition(t *testing.T) {
	existing := &domain.Position{
		ID:        "pos-1",
		Status:    domain.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	g := NewGuard(&guardStore{pos: existing}, false, slog.Default())
	out, err := g.Check(context.Background(), guardKey)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Proceed {
		t.Error("duplicate key must not proceed")
	}
	if out.Existing == nil || out.Existing.ID != "pos-1" {
		t.Errorf("existing = %+v", out.Existing)
	}
}

func TestGuardFailsClosedByDefault(t *testing.T) {
	g := NewGuard(&guardStore{err: errors.New("dial tcp: connection refused")}, false, slog.Default())
	_, err := g.Check(context.Background(), guardKey)
	if !errors.Is(err, domain.ErrGuardUnavailable) {
		t.Fatalf("want ErrGuardUnavailable, got %v", err)
	}
}

func TestGuardFailOpenProceedsOnStoreError(t *testing.T) {
	g := NewGuard(&guardStore{err: errors.New("dial tcp: connection refused")}, true, slog.Default())
	out, err := g.Check(context.Background(), guardKey)
	if err != nil {
		t.Fatalf("fail-open check: %v", err)
	}
	if !out.Proceed {
		t.Error("fail-open must proceed on store error")
	}
}
