package trading

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

type fakeIndex struct {
	// pages is consumed one element per poll; the last page repeats.
	pages [][]domain.IndexedTrade
	err   error
	calls int
}

func (f *fakeIndex) OpenTrades(ctx context.Context, trader string) ([]domain.IndexedTrade, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.pages) {
		i = len(f.pages) - 1
	}
	return f.pages[i], nil
}

func newTestResolver(maxPolls int) *Resolver {
	r := NewResolver(10*time.Second, 3*time.Second, maxPolls, 0.05, slog.Default())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func trade(id string, market string, side domain.TradeSide, collateral float64, pair uint32) domain.IndexedTrade {
	return domain.IndexedTrade{
		TradeID:    id,
		Market:     market,
		Side:       side,
		Collateral: collateral,
		PairIndex:  pair,
		Index:      0,
		OpenPrice:  100,
	}
}

var btcQuery = ResolveQuery{
	Trader:     "0xowner",
	Market:     "BTC",
	Side:       domain.SideLong,
	Collateral: 250,
	PairIndex:  0,
}

func TestResolveMatchesSideAndCollateral(t *testing.T) {
	// Same market and near-identical collateral on the opposite side
	// must not match.
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{{
		trade("t1", "BTC", domain.SideShort, 250, 0),
		trade("t2", "BTC", domain.SideLong, 251, 0),
		trade("t3", "ETH", domain.SideLong, 250, 1),
	}}}
	r := newTestResolver(3)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.TradeID != "t2" {
		t.Fatalf("got %+v, want t2", got)
	}
}

func TestResolveCollateralTolerance(t *testing.T) {
	// 6% off with a 5% tolerance: no match within the poll budget.
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{{
		trade("t1", "BTC", domain.SideLong, 265, 0),
	}}}
	r := newTestResolver(2)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Errorf("out-of-tolerance collateral matched: %+v", got)
	}
	if idx.calls != 2 {
		t.Errorf("polled %d times, want 2", idx.calls)
	}
}

func TestResolveAmbiguousIsUnresolved(t *testing.T) {
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{{
		trade("t1", "BTC", domain.SideLong, 250, 0),
		trade("t2", "BTC", domain.SideLong, 252, 0),
	}}}
	r := newTestResolver(3)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Errorf("ambiguous candidates must stay unresolved, got %+v", got)
	}
	if idx.calls != 1 {
		t.Errorf("ambiguity must stop polling, polled %d times", idx.calls)
	}
}

func TestResolvePairDisagreementIsUnresolved(t *testing.T) {
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{{
		trade("t1", "BTC", domain.SideLong, 250, 7),
	}}}
	r := newTestResolver(3)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Errorf("pair mismatch must stay unresolved, got %+v", got)
	}
}

func TestResolveFindsTradeOnLaterPoll(t *testing.T) {
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{
		{},
		{},
		{trade("t1", "BTC", domain.SideLong, 250, 0)},
	}}
	r := newTestResolver(5)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.TradeID != "t1" {
		t.Fatalf("got %+v, want t1", got)
	}
	if idx.calls != 3 {
		t.Errorf("polled %d times, want 3", idx.calls)
	}
}

func TestResolveIndexErrorsConsumePolls(t *testing.T) {
	idx := &fakeIndex{err: errors.New("502 bad gateway")}
	r := newTestResolver(3)

	got, err := r.Resolve(context.Background(), idx, btcQuery)
	if err != nil {
		t.Fatalf("index errors must not fail resolution: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
	if idx.calls != 3 {
		t.Errorf("polled %d times, want 3", idx.calls)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	idx := &fakeIndex{pages: [][]domain.IndexedTrade{{}}}
	r := NewResolver(10*time.Second, time.Second, 3, 0.05, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, idx, btcQuery)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if idx.calls != 0 {
		t.Errorf("cancelled resolve still polled %d times", idx.calls)
	}
}
