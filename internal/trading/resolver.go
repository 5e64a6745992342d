package trading

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// TradeIndex is the slice of the lagging index the resolver queries.
type TradeIndex interface {
	OpenTrades(ctx context.Context, trader string) ([]domain.IndexedTrade, error)
}

// ResolveQuery describes the submitted open the resolver is trying to
// find on the index.
type ResolveQuery struct {
	Trader     string
	Market     string
	Side       domain.TradeSide
	Collateral float64
	// PairIndex is the asset index requested at submission time; a
	// candidate whose pair disagrees is an index-lag symptom, not a
	// match.
	PairIndex uint32
}

// Resolver discovers the authoritative on-chain identifiers of a newly
// filled trade by polling the lagging index with approximate matching.
// The venue returns no causal link between the pending order and the
// filled trade, so the match is a heuristic: exact market and side,
// collateral within tolerance.
type Resolver struct {
	delay     time.Duration
	interval  time.Duration
	maxPolls  int
	tolerance float64
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a resolver. delay is the initial wait that gives
// the keeper a chance to fill; maxPolls bounds the subsequent index
// queries, interval apart.
func NewResolver(delay, interval time.Duration, maxPolls int, tolerance float64, logger *slog.Logger) *Resolver {
	if maxPolls < 1 {
		maxPolls = 1
	}
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &Resolver{
		delay:     delay,
		interval:  interval,
		maxPolls:  maxPolls,
		tolerance: tolerance,
		logger:    logger.With(slog.String("component", "resolver")),
		sleep:     sleepCtx,
	}
}

// Resolve returns the matched trade's identifiers, or (nil, nil) when
// resolution is inconclusive: no candidate yet, more than one
// plausible candidate, or a pair-index disagreement. Inconclusive is
// not an error; the position stays usable and a later reconciliation
// pass retries. A cancelled ctx abandons polling only, never the
// submitted operation.
func (r *Resolver) Resolve(ctx context.Context, index TradeIndex, q ResolveQuery) (*domain.ResolvedTrade, error) {
	if r.delay > 0 {
		if err := r.sleep(ctx, r.delay); err != nil {
			return nil, err
		}
	}

	for poll := 1; poll <= r.maxPolls; poll++ {
		if poll > 1 {
			if err := r.sleep(ctx, r.interval); err != nil {
				return nil, err
			}
		}

		trades, err := index.OpenTrades(ctx, q.Trader)
		if err != nil {
			r.logger.WarnContext(ctx, "index query failed",
				slog.Int("poll", poll),
				slog.String("error", err.Error()))
			continue
		}

		candidates := r.match(trades, q)
		switch len(candidates) {
		case 0:
			continue
		case 1:
			c := candidates[0]
			if c.PairIndex != q.PairIndex {
				// The index likely still shows a stale trade for
				// another pair. Returning a wrong match is worse than
				// returning none.
				r.logger.WarnContext(ctx, "candidate pair disagrees with requested pair, treating as unresolved",
					slog.Uint64("candidate_pair", uint64(c.PairIndex)),
					slog.Uint64("requested_pair", uint64(q.PairIndex)))
				return nil, nil
			}
			return &domain.ResolvedTrade{
				TradeID:    c.TradeID,
				Index:      c.Index,
				PairIndex:  c.PairIndex,
				EntryPrice: c.OpenPrice,
				OpenTxHash: c.OpenTxHash,
			}, nil
		default:
			// Two same-market same-side positions within tolerance of
			// each other: any pick would be a guess.
			r.logger.WarnContext(ctx, "ambiguous index match, treating as unresolved",
				slog.Int("candidates", len(candidates)),
				slog.String("market", q.Market))
			return nil, nil
		}
	}

	r.logger.InfoContext(ctx, "trade not found on index within poll budget",
		slog.String("market", q.Market),
		slog.Int("polls", r.maxPolls))
	return nil, nil
}

// match filters open trades down to plausible fills of the query.
func (r *Resolver) match(trades []domain.IndexedTrade, q ResolveQuery) []domain.IndexedTrade {
	var out []domain.IndexedTrade
	for _, t := range trades {
		if !strings.EqualFold(t.Market, q.Market) || t.Side != q.Side {
			continue
		}
		if q.Collateral <= 0 {
			continue
		}
		if math.Abs(t.Collateral-q.Collateral)/q.Collateral > r.tolerance {
			continue
		}
		out = append(out, t)
	}
	return out
}
