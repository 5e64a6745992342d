package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
)

// TradeHistory is the slice of the venue index used to enrich stored
// positions with on-chain settlement data.
type TradeHistory interface {
	RecentOrders(ctx context.Context, trader string, lastN int) ([]ostium.OrderEvent, error)
	ClosedTrades(ctx context.Context, trader string, lastN int) ([]domain.ClosedFill, error)
}

// PositionService answers read-side position queries, merging the
// authoritative store rows with index data the lifecycle may not have
// seen yet (transaction hashes, realized PnL).
type PositionService struct {
	store   domain.PositionStore
	history TradeHistory
	logger  *slog.Logger
}

// NewPositionService creates a PositionService with all dependencies.
func NewPositionService(store domain.PositionStore, history TradeHistory, logger *slog.Logger) *PositionService {
	return &PositionService{
		store:   store,
		history: history,
		logger:  logger.With(slog.String("component", "position_service")),
	}
}

// GetByID returns one position.
func (s *PositionService) GetByID(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// OpenPositions returns all non-terminal positions for a user. Rows
// missing an open transaction hash are enriched from the index's
// recent order events when possible.
func (s *PositionService) OpenPositions(ctx context.Context, userAddress string) ([]domain.Position, error) {
	positions, err := s.store.ListOpenByUser(ctx, userAddress)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open for %q: %w", userAddress, err)
	}

	needsTx := false
	for _, p := range positions {
		if p.OpenTxHash == "" && p.TradeID != nil {
			needsTx = true
			break
		}
	}
	if !needsTx {
		return positions, nil
	}

	events, err := s.history.RecentOrders(ctx, userAddress, 100)
	if err != nil {
		// Enrichment is best effort; the stored rows are still valid.
		s.logger.WarnContext(ctx, "recent order lookup failed",
			slog.String("user", userAddress),
			slog.String("error", err.Error()))
		return positions, nil
	}

	txByTrade := make(map[string]string, len(events))
	for _, ev := range events {
		if !ev.IsClose && ev.TxHash != "" {
			txByTrade[ev.TradeID] = ev.TxHash
		}
	}
	for i := range positions {
		if positions[i].OpenTxHash == "" && positions[i].TradeID != nil {
			if tx, ok := txByTrade[*positions[i].TradeID]; ok {
				positions[i].OpenTxHash = tx
			}
		}
	}

	return positions, nil
}

// ClosedPositions returns settled positions for a user, filling in
// realized PnL from the index's close fills where the lifecycle never
// recorded it.
func (s *PositionService) ClosedPositions(ctx context.Context, userAddress string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.store.ListClosedByUser(ctx, userAddress, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list closed for %q: %w", userAddress, err)
	}

	needsPnL := false
	for _, p := range positions {
		if p.RealizedPnL == nil && p.TradeID != nil {
			needsPnL = true
			break
		}
	}
	if !needsPnL {
		return positions, nil
	}

	fills, err := s.history.ClosedTrades(ctx, userAddress, 100)
	if err != nil {
		s.logger.WarnContext(ctx, "closed trade lookup failed",
			slog.String("user", userAddress),
			slog.String("error", err.Error()))
		return positions, nil
	}

	pnlByTrade := make(map[string]domain.ClosedFill, len(fills))
	for _, f := range fills {
		pnlByTrade[f.TradeID] = f
	}
	for i := range positions {
		p := &positions[i]
		if p.RealizedPnL != nil || p.TradeID == nil {
			continue
		}
		if fill, ok := pnlByTrade[*p.TradeID]; ok {
			pnl := fill.RealizedPnL
			p.RealizedPnL = &pnl
			if p.CloseTxHash == nil && fill.CloseTxHash != "" {
				tx := fill.CloseTxHash
				p.CloseTxHash = &tx
			}
		}
	}

	return positions, nil
}
