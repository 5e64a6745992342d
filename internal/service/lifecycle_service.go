package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
	"github.com/calebmoy/perpagent/internal/session"
	"github.com/calebmoy/perpagent/internal/trading"
)

// CredentialSource resolves an agent address to its decrypted signing
// credential.
type CredentialSource interface {
	ResolveCredential(ctx context.Context, agentAddress string) (domain.Credential, error)
}

// MarketValidator checks a market symbol and leverage against the
// venue catalog.
type MarketValidator interface {
	Validate(ctx context.Context, symbol string, leverage float64) (domain.Market, error)
}

// MarkPricer serves current mark prices.
type MarkPricer interface {
	MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// OpSubmitter runs one venue operation with bounded retry.
type OpSubmitter interface {
	Submit(ctx context.Context, cred domain.Credential, delegated bool, opName string, op trading.OpFunc) (trading.Result, error)
}

// IndexResolver discovers on-chain trade identifiers after submission.
type IndexResolver interface {
	Resolve(ctx context.Context, index trading.TradeIndex, q trading.ResolveQuery) (*domain.ResolvedTrade, error)
}

// GuardChecker is the idempotency guard's read side.
type GuardChecker interface {
	Check(ctx context.Context, key domain.IdempotencyKey) (trading.Outcome, error)
}

const (
	openLockTTL  = 2 * time.Minute
	closeLockTTL = 2 * time.Minute
)

// LifecycleService orchestrates the position lifecycle: idempotent
// open, index resolution, protective triggers, and idempotent close.
type LifecycleService struct {
	venue     string
	liqBuffer float64

	guard     GuardChecker
	vault     CredentialSource
	markets   MarketValidator
	prices    MarkPricer
	submitter OpSubmitter
	resolver  IndexResolver
	index     trading.TradeIndex
	history   TradeHistory

	store  domain.PositionStore
	locks  domain.LockManager
	bus    domain.EventBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// LifecycleDeps bundles the constructor dependencies.
type LifecycleDeps struct {
	Venue     string
	LiqBuffer float64
	Guard     GuardChecker
	Vault     CredentialSource
	Markets   MarketValidator
	Prices    MarkPricer
	Submitter OpSubmitter
	Resolver  IndexResolver
	Index     trading.TradeIndex
	History   TradeHistory
	Store     domain.PositionStore
	Locks     domain.LockManager
	Bus       domain.EventBus
	Audit     domain.AuditStore
	Logger    *slog.Logger
}

// NewLifecycleService creates the lifecycle orchestrator.
func NewLifecycleService(d LifecycleDeps) *LifecycleService {
	if d.LiqBuffer <= 0 {
		d.LiqBuffer = 0.02
	}
	return &LifecycleService{
		venue:     d.Venue,
		liqBuffer: d.LiqBuffer,
		guard:     d.Guard,
		vault:     d.Vault,
		markets:   d.Markets,
		prices:    d.Prices,
		submitter: d.Submitter,
		resolver:  d.Resolver,
		index:     d.Index,
		history:   d.History,
		store:     d.Store,
		locks:     d.Locks,
		bus:       d.Bus,
		audit:     d.Audit,
		logger:    d.Logger.With(slog.String("component", "lifecycle")),
	}
}

// OpenPosition opens a leveraged position for (DeploymentID, SignalID).
// The same key always yields the same outcome: a replayed request
// returns the recorded result without touching the venue again.
func (s *LifecycleService) OpenPosition(ctx context.Context, req domain.OpenRequest) (domain.OpenResult, error) {
	if err := validateOpen(req); err != nil {
		return domain.OpenResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()}, err
	}

	key := domain.IdempotencyKey{DeploymentID: req.DeploymentID, SignalID: req.SignalID, Venue: s.venue}
	logger := s.logger.With(slog.String("key", key.String()), slog.String("market", req.Market))

	unlock, err := s.locks.Acquire(ctx, "open:"+key.String(), openLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Another worker is opening the same key right now. If it
			// already recorded a row, replay it; otherwise tell the
			// caller to retry.
			if out, guardErr := s.guard.Check(ctx, key); guardErr == nil && out.Existing != nil {
				return s.replayOpen(*out.Existing), nil
			}
			return domain.OpenResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: "open already in flight"},
				fmt.Errorf("lifecycle: open %s: %w", key, domain.ErrServiceUnavailable)
		}
		return domain.OpenResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()},
			fmt.Errorf("lifecycle: open lock %s: %w", key, err)
	}
	defer unlock()

	out, err := s.guard.Check(ctx, key)
	if err != nil {
		return domain.OpenResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()}, err
	}
	if out.Existing != nil {
		logger.InfoContext(ctx, "replaying recorded open")
		return s.replayOpen(*out.Existing), nil
	}

	market, err := s.markets.Validate(ctx, req.Market, req.Leverage)
	if err != nil {
		kind := domain.ErrKindValidation
		if errors.Is(err, domain.ErrMarketUnavailable) {
			kind = domain.ErrKindServiceUnavailable
		}
		return domain.OpenResult{ErrorKind: kind, Detail: err.Error()}, err
	}

	mark, _, err := s.prices.MarkPrice(ctx, market.Symbol)
	if err != nil {
		return domain.OpenResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()},
			fmt.Errorf("lifecycle: open %s: %w", key, err)
	}

	cred, err := s.vault.ResolveCredential(ctx, req.AgentAddress)
	if err != nil {
		return domain.OpenResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()},
			fmt.Errorf("lifecycle: open %s: %w", key, err)
	}

	params := ostium.OpenParams{
		Trader:     req.UserAddress,
		PairIndex:  market.PairIndex,
		Collateral: req.Collateral,
		Leverage:   req.Leverage,
		Long:       req.Side == domain.SideLong,
		AtPrice:    mark,
	}
	res, err := s.submitter.Submit(ctx, cred, req.Delegated, "openTrade",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return sess.Client.OpenTrade(ctx, params)
		})
	if err != nil {
		return s.recordOpenFailure(ctx, req, key, res, err), err
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:             uuid.New().String(),
		DeploymentID:   req.DeploymentID,
		SignalID:       req.SignalID,
		Venue:          s.venue,
		UserAddress:    req.UserAddress,
		AgentAddress:   req.AgentAddress,
		Market:         market.Symbol,
		Side:           req.Side,
		Collateral:     req.Collateral,
		Leverage:       req.Leverage,
		Status:         domain.StatusSubmitted,
		RequestedPrice: mark,
		OpenOrderID:    res.Receipt.OrderID,
		OpenTxHash:     res.Receipt.TxHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	authoritative, created, err := s.store.CreateIfAbsent(ctx, pos)
	if err != nil {
		// The venue accepted the trade; losing the row would orphan it.
		logger.ErrorContext(ctx, "position record write failed after submit",
			slog.String("tx", res.Receipt.TxHash),
			slog.String("error", err.Error()))
		return domain.OpenResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()},
			fmt.Errorf("lifecycle: record open %s: %w", key, err)
	}
	if !created {
		logger.WarnContext(ctx, "concurrent open recorded first, replaying its row")
		return s.replayOpen(authoritative), nil
	}
	pos = authoritative

	s.auditLog(ctx, "position_submitted", map[string]any{
		"position_id": pos.ID,
		"key":         key.String(),
		"market":      pos.Market,
		"side":        string(pos.Side),
		"collateral":  pos.Collateral,
		"leverage":    pos.Leverage,
		"tx_hash":     pos.OpenTxHash,
		"attempts":    res.Attempts,
	})
	s.publish(ctx, domain.LifecycleEvent{
		Type:         domain.EventPositionOpened,
		DeploymentID: pos.DeploymentID,
		SignalID:     pos.SignalID,
		Venue:        pos.Venue,
		Market:       pos.Market,
		Side:         pos.Side,
		UserAddress:  pos.UserAddress,
		AgentAddress: pos.AgentAddress,
		TxHash:       pos.OpenTxHash,
		At:           now,
	})

	logger.InfoContext(ctx, "position submitted",
		slog.String("position_id", pos.ID),
		slog.String("tx", pos.OpenTxHash),
		slog.Int("attempts", res.Attempts))

	// Resolution is best effort; an unresolved position is degraded but
	// valid and the reconciler keeps trying.
	resolved := s.resolveAndAdvance(ctx, &pos, market.PairIndex)
	if resolved && (req.StopLossPct != nil || req.TakeProfitPct != nil) {
		s.placeInitialTriggers(ctx, cred, &pos, req)
	}
	if resolved && pos.Status == domain.StatusIndexResolved {
		pos.Status = domain.StatusOpen
		if err := s.store.Update(ctx, pos); err != nil {
			logger.WarnContext(ctx, "status advance to OPEN failed",
				slog.String("error", err.Error()))
		}
	}

	result := domain.OpenResult{
		Success:       true,
		OrderID:       pos.OpenOrderID,
		TxHash:        pos.OpenTxHash,
		IndexResolved: pos.Resolved(),
		Status:        pos.Status,
		TradeIndex:    pos.TradeIndex,
		PairIndex:     pos.PairIndex,
	}
	if pos.EntryPrice != nil {
		result.EntryPrice = *pos.EntryPrice
	}
	return result, nil
}

func validateOpen(req domain.OpenRequest) error {
	switch {
	case req.DeploymentID == "" || req.SignalID == "":
		return fmt.Errorf("lifecycle: %w: deploymentId and signalId are required", domain.ErrValidation)
	case req.UserAddress == "" || req.AgentAddress == "":
		return fmt.Errorf("lifecycle: %w: userAddress and agentAddress are required", domain.ErrValidation)
	case req.Collateral <= 0:
		return fmt.Errorf("lifecycle: %w: collateral must be positive, got %g", domain.ErrValidation, req.Collateral)
	case req.Leverage <= 0:
		return fmt.Errorf("lifecycle: %w: leverage must be positive, got %g", domain.ErrValidation, req.Leverage)
	case req.Side != domain.SideLong && req.Side != domain.SideShort:
		return fmt.Errorf("lifecycle: %w: side %q", domain.ErrValidation, req.Side)
	}
	return nil
}

// replayOpen maps a previously recorded row back to the result its
// original request produced.
func (s *LifecycleService) replayOpen(pos domain.Position) domain.OpenResult {
	if pos.Status == domain.StatusFailed {
		detail := "open failed"
		if pos.FailReason != nil {
			detail = *pos.FailReason
		}
		return domain.OpenResult{
			Duplicate: true,
			Status:    pos.Status,
			ErrorKind: domain.ErrKindVenueRejection,
			Detail:    detail,
		}
	}

	result := domain.OpenResult{
		Success:       true,
		Duplicate:     true,
		OrderID:       pos.OpenOrderID,
		TxHash:        pos.OpenTxHash,
		IndexResolved: pos.Resolved(),
		Status:        pos.Status,
		TradeIndex:    pos.TradeIndex,
		PairIndex:     pos.PairIndex,
	}
	if pos.EntryPrice != nil {
		result.EntryPrice = *pos.EntryPrice
	}
	return result
}

// recordOpenFailure persists a FAILED row under the idempotency key so
// replays of a venue-rejected signal do not resubmit, then emits the
// failure event.
func (s *LifecycleService) recordOpenFailure(ctx context.Context, req domain.OpenRequest, key domain.IdempotencyKey, res trading.Result, cause error) domain.OpenResult {
	kind := kindFromClass(res.Class, cause)

	// Transient exhaustion is retryable by the caller, so no FAILED row:
	// a later replay of the same key should be allowed to try again.
	if kind != domain.ErrKindServiceUnavailable {
		now := time.Now().UTC()
		reason := cause.Error()
		pos := domain.Position{
			ID:           uuid.New().String(),
			DeploymentID: req.DeploymentID,
			SignalID:     req.SignalID,
			Venue:        s.venue,
			UserAddress:  req.UserAddress,
			AgentAddress: req.AgentAddress,
			Market:       req.Market,
			Side:         req.Side,
			Collateral:   req.Collateral,
			Leverage:     req.Leverage,
			Status:       domain.StatusFailed,
			FailReason:   &reason,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, _, err := s.store.CreateIfAbsent(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "failure record write failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		}
	}

	s.auditLog(ctx, "position_open_failed", map[string]any{
		"key":    key.String(),
		"market": req.Market,
		"kind":   string(kind),
		"error":  cause.Error(),
	})
	s.publish(ctx, domain.LifecycleEvent{
		Type:         domain.EventPositionFailed,
		DeploymentID: req.DeploymentID,
		SignalID:     req.SignalID,
		Venue:        s.venue,
		Market:       req.Market,
		Side:         req.Side,
		UserAddress:  req.UserAddress,
		AgentAddress: req.AgentAddress,
		Detail:       cause.Error(),
		At:           time.Now().UTC(),
	})
	if kind == domain.ErrKindInsufficientFunds {
		s.publish(ctx, domain.LifecycleEvent{
			Type:         domain.EventAgentLowFunds,
			Venue:        s.venue,
			UserAddress:  req.UserAddress,
			AgentAddress: req.AgentAddress,
			Detail:       cause.Error(),
			At:           time.Now().UTC(),
		})
	}

	return domain.OpenResult{ErrorKind: kind, Detail: cause.Error(), Status: domain.StatusFailed}
}

// resolveAndAdvance polls the index for the filled trade and, when
// found, advances the position to INDEX_RESOLVED.
func (s *LifecycleService) resolveAndAdvance(ctx context.Context, pos *domain.Position, pairIndex uint32) bool {
	resolved, err := s.resolver.Resolve(ctx, s.index, trading.ResolveQuery{
		Trader:     pos.UserAddress,
		Market:     pos.Market,
		Side:       pos.Side,
		Collateral: pos.Collateral,
		PairIndex:  pairIndex,
	})
	if err != nil || resolved == nil {
		if err != nil {
			s.logger.WarnContext(ctx, "index resolution aborted",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
		return false
	}

	pos.TradeID = &resolved.TradeID
	pos.TradeIndex = &resolved.Index
	pos.PairIndex = &resolved.PairIndex
	pos.EntryPrice = &resolved.EntryPrice
	if pos.OpenTxHash == "" {
		pos.OpenTxHash = resolved.OpenTxHash
	}
	pos.Status = domain.StatusIndexResolved
	if err := s.store.Update(ctx, *pos); err != nil {
		s.logger.WarnContext(ctx, "resolved position update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return false
	}

	s.publish(ctx, domain.LifecycleEvent{
		Type:         domain.EventIndexResolved,
		DeploymentID: pos.DeploymentID,
		SignalID:     pos.SignalID,
		Venue:        pos.Venue,
		Market:       pos.Market,
		Side:         pos.Side,
		UserAddress:  pos.UserAddress,
		AgentAddress: pos.AgentAddress,
		TxHash:       pos.OpenTxHash,
		At:           time.Now().UTC(),
	})
	s.logger.InfoContext(ctx, "trade index resolved",
		slog.String("position_id", pos.ID),
		slog.String("trade_id", resolved.TradeID),
		slog.Uint64("trade_index", uint64(resolved.Index)))
	return true
}

// placeInitialTriggers sets the protective orders requested alongside
// the open, clamping the stop against the liquidation estimate.
func (s *LifecycleService) placeInitialTriggers(ctx context.Context, cred domain.Credential, pos *domain.Position, req domain.OpenRequest) {
	entry := pos.RequestedPrice
	if pos.EntryPrice != nil {
		entry = *pos.EntryPrice
	}

	if req.StopLossPct != nil {
		liq := estimateLiquidation(pos.Side, entry, pos.Leverage)
		plan := trading.PlanStopLoss(pos.Side, entry, *req.StopLossPct, liq, s.liqBuffer)
		if plan.Clamped {
			s.logger.InfoContext(ctx, "stop-loss clamped clear of liquidation",
				slog.String("position_id", pos.ID),
				slog.Float64("price", plan.Price),
				slog.Float64("adjusted_pct", plan.AdjustedPct))
		}
		if s.submitTrigger(ctx, cred, req.Delegated, "updateSl", *pos.PairIndex, *pos.TradeIndex, plan.Price) {
			pos.StopLoss = &plan.Price
		}
	}

	if req.TakeProfitPct != nil {
		price := trading.PlanTakeProfit(pos.Side, entry, *req.TakeProfitPct)
		if s.submitTrigger(ctx, cred, req.Delegated, "updateTp", *pos.PairIndex, *pos.TradeIndex, price) {
			pos.TakeProfit = &price
		}
	}

	if pos.StopLoss != nil || pos.TakeProfit != nil {
		if err := s.store.Update(ctx, *pos); err != nil {
			s.logger.WarnContext(ctx, "trigger update persist failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *LifecycleService) submitTrigger(ctx context.Context, cred domain.Credential, delegated bool, op string, pairIndex, tradeIndex uint32, price float64) bool {
	_, err := s.submitter.Submit(ctx, cred, delegated, op,
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			if op == "updateSl" {
				return sess.Client.UpdateStopLoss(ctx, pairIndex, tradeIndex, price)
			}
			return sess.Client.UpdateTakeProfit(ctx, pairIndex, tradeIndex, price)
		})
	if err != nil {
		s.logger.WarnContext(ctx, "protective trigger placement failed",
			slog.String("op", op),
			slog.Float64("price", price),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// ClosePosition closes a position located either by deployment key or
// by market plus trade identifier. Closing an already settled position
// is a success, not an error.
func (s *LifecycleService) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	pos, err := s.locateForClose(ctx, req)
	if err != nil {
		// A close with nothing to close is idempotent success: the
		// caller's intent (no open position) already holds.
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.InfoContext(ctx, "close of unknown position treated as settled",
				slog.String("deployment_id", req.DeploymentID),
				slog.String("signal_id", req.SignalID))
			return domain.CloseResult{Success: true, AlreadyClosed: true}, nil
		}
		kind := domain.ErrKindValidation
		if errors.Is(err, domain.ErrServiceUnavailable) {
			kind = domain.ErrKindServiceUnavailable
		}
		return domain.CloseResult{ErrorKind: kind, Detail: err.Error()}, err
	}
	logger := s.logger.With(slog.String("position_id", pos.ID), slog.String("market", pos.Market))

	switch pos.Status {
	case domain.StatusClosed, domain.StatusAlreadyClosed:
		return domain.CloseResult{
			Success:       true,
			AlreadyClosed: true,
			Status:        pos.Status,
			RealizedPnL:   pos.RealizedPnL,
		}, nil
	case domain.StatusFailed:
		err := fmt.Errorf("lifecycle: %w: position %s never opened", domain.ErrValidation, pos.ID)
		return domain.CloseResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()}, err
	}

	unlock, err := s.locks.Acquire(ctx, "close:"+pos.Key().String(), closeLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			err = fmt.Errorf("lifecycle: close %s: %w", pos.ID, domain.ErrServiceUnavailable)
		}
		return domain.CloseResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()}, err
	}
	defer unlock()

	if !pos.Resolved() {
		// The close contract call needs the on-chain indices; give the
		// lagging index one more chance before giving up.
		var pairIndex uint32
		if pos.PairIndex != nil {
			pairIndex = *pos.PairIndex
		}
		if !s.resolveAndAdvance(ctx, &pos, pairIndex) {
			err := fmt.Errorf("lifecycle: close %s: trade index not yet resolved: %w", pos.ID, domain.ErrIndexUnresolved)
			return domain.CloseResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()}, err
		}
	}

	agent := req.AgentAddress
	if agent == "" {
		agent = pos.AgentAddress
	}
	cred, err := s.vault.ResolveCredential(ctx, agent)
	if err != nil {
		return domain.CloseResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()},
			fmt.Errorf("lifecycle: close %s: %w", pos.ID, err)
	}

	if pos.Status.CanTransition(domain.StatusClosing) {
		pos.Status = domain.StatusClosing
		if err := s.store.Update(ctx, pos); err != nil {
			logger.WarnContext(ctx, "status advance to CLOSING failed",
				slog.String("error", err.Error()))
		}
	}

	pairIndex, tradeIndex := *pos.PairIndex, *pos.TradeIndex
	res, err := s.submitter.Submit(ctx, cred, req.Delegated, "closeTradeMarket",
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			return sess.Client.CloseTradeMarket(ctx, pairIndex, tradeIndex)
		})
	if err != nil {
		kind := kindFromClass(res.Class, err)
		if kind == domain.ErrKindInsufficientFunds {
			s.publish(ctx, domain.LifecycleEvent{
				Type:         domain.EventAgentLowFunds,
				Venue:        s.venue,
				UserAddress:  pos.UserAddress,
				AgentAddress: pos.AgentAddress,
				Detail:       err.Error(),
				At:           time.Now().UTC(),
			})
		}
		// The position stays CLOSING; a later retry picks it back up.
		return domain.CloseResult{ErrorKind: kind, Detail: err.Error(), Status: pos.Status}, err
	}

	now := time.Now().UTC()
	pos.ClosedAt = &now
	if res.AlreadySettled {
		pos.Status = domain.StatusAlreadyClosed
	} else {
		pos.Status = domain.StatusClosed
		if res.Receipt.TxHash != "" {
			tx := res.Receipt.TxHash
			pos.CloseTxHash = &tx
		}
	}
	s.fillRealizedPnL(ctx, &pos)
	if err := s.store.Update(ctx, pos); err != nil {
		logger.ErrorContext(ctx, "closed position update failed",
			slog.String("error", err.Error()))
	}

	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":    pos.ID,
		"market":         pos.Market,
		"already_closed": res.AlreadySettled,
		"tx_hash":        res.Receipt.TxHash,
		"attempts":       res.Attempts,
	})
	s.publish(ctx, domain.LifecycleEvent{
		Type:         domain.EventPositionClosed,
		DeploymentID: pos.DeploymentID,
		SignalID:     pos.SignalID,
		Venue:        pos.Venue,
		Market:       pos.Market,
		Side:         pos.Side,
		UserAddress:  pos.UserAddress,
		AgentAddress: pos.AgentAddress,
		TxHash:       res.Receipt.TxHash,
		At:           now,
	})

	logger.InfoContext(ctx, "position closed",
		slog.Bool("already_closed", res.AlreadySettled),
		slog.String("tx", res.Receipt.TxHash))

	return domain.CloseResult{
		Success:       true,
		AlreadyClosed: res.AlreadySettled,
		TxHash:        res.Receipt.TxHash,
		RealizedPnL:   pos.RealizedPnL,
		Status:        pos.Status,
	}, nil
}

// locateForClose finds the position a close request refers to. A
// missing position surfaces as domain.ErrNotFound so the caller can
// treat the close as already settled; store outages surface as
// domain.ErrServiceUnavailable.
func (s *LifecycleService) locateForClose(ctx context.Context, req domain.CloseRequest) (domain.Position, error) {
	if req.DeploymentID != "" && req.SignalID != "" {
		key := domain.IdempotencyKey{DeploymentID: req.DeploymentID, SignalID: req.SignalID, Venue: s.venue}
		pos, err := s.store.GetByKey(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.Position{}, fmt.Errorf("lifecycle: %w: no position for key %s", domain.ErrNotFound, key)
		case err != nil:
			return domain.Position{}, fmt.Errorf("lifecycle: looking up key %s: %v: %w", key, err, domain.ErrServiceUnavailable)
		}
		return pos, nil
	}
	if req.TradeID != nil && req.Market != "" {
		pos, err := s.store.FindOpenByTrade(ctx, s.venue, req.Market, *req.TradeID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.Position{}, fmt.Errorf("lifecycle: %w: no open position for trade %s on %s",
				domain.ErrNotFound, *req.TradeID, req.Market)
		case err != nil:
			return domain.Position{}, fmt.Errorf("lifecycle: looking up trade %s on %s: %v: %w",
				*req.TradeID, req.Market, err, domain.ErrServiceUnavailable)
		}
		return pos, nil
	}
	return domain.Position{}, fmt.Errorf("lifecycle: %w: close needs a deployment key or a market and trade id", domain.ErrValidation)
}

// fillRealizedPnL copies the realized PnL from the index's close fills
// when available. Best effort: the subgraph may lag the close.
func (s *LifecycleService) fillRealizedPnL(ctx context.Context, pos *domain.Position) {
	if pos.RealizedPnL != nil || pos.TradeID == nil || s.history == nil {
		return
	}
	fills, err := s.history.ClosedTrades(ctx, pos.UserAddress, 50)
	if err != nil {
		return
	}
	for _, f := range fills {
		if f.TradeID == *pos.TradeID {
			pnl := f.RealizedPnL
			pos.RealizedPnL = &pnl
			return
		}
	}
}

// SetProtective places or moves one protective trigger on an
// index-resolved position.
func (s *LifecycleService) SetProtective(ctx context.Context, req domain.ProtectiveRequest) (domain.ProtectiveResult, error) {
	if req.Percent <= 0 {
		err := fmt.Errorf("lifecycle: %w: trigger percent must be positive, got %g", domain.ErrValidation, req.Percent)
		return domain.ProtectiveResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()}, err
	}

	mark, _, err := s.prices.MarkPrice(ctx, req.Market)
	if err != nil {
		return domain.ProtectiveResult{ErrorKind: domain.ErrKindServiceUnavailable, Detail: err.Error()},
			fmt.Errorf("lifecycle: protective on %s: %w", req.Market, err)
	}

	reference := req.ReferencePrice
	if reference <= 0 {
		reference = mark
	}

	// Clamping needs the position's entry and leverage; fall back to an
	// unclamped plan when the row cannot be found.
	pos := s.findByIndices(ctx, req.UserAddress, req.PairIndex, req.TradeIndex)

	var price float64
	var plan trading.StopPlan
	if req.Kind == domain.ProtectiveStopLoss {
		var liq *float64
		if pos != nil {
			entry := pos.RequestedPrice
			if pos.EntryPrice != nil {
				entry = *pos.EntryPrice
			}
			liq = estimateLiquidation(req.Side, entry, pos.Leverage)
		}
		plan = trading.PlanStopLoss(req.Side, reference, req.Percent, liq, s.liqBuffer)
		price = plan.Price
	} else {
		price = trading.PlanTakeProfit(req.Side, reference, req.Percent)
	}

	if err := trading.ValidateTrigger(req.Side, req.Kind, price, mark); err != nil {
		return domain.ProtectiveResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()}, err
	}

	cred, err := s.vault.ResolveCredential(ctx, req.AgentAddress)
	if err != nil {
		return domain.ProtectiveResult{ErrorKind: domain.ErrKindValidation, Detail: err.Error()},
			fmt.Errorf("lifecycle: protective on %s: %w", req.Market, err)
	}

	op := "updateTp"
	if req.Kind == domain.ProtectiveStopLoss {
		op = "updateSl"
	}
	res, err := s.submitter.Submit(ctx, cred, req.Delegated, op,
		func(ctx context.Context, sess *session.Session) (ostium.TxReceipt, error) {
			if req.Kind == domain.ProtectiveStopLoss {
				return sess.Client.UpdateStopLoss(ctx, req.PairIndex, req.TradeIndex, price)
			}
			return sess.Client.UpdateTakeProfit(ctx, req.PairIndex, req.TradeIndex, price)
		})
	if err != nil {
		kind := kindFromClass(res.Class, err)
		return domain.ProtectiveResult{ErrorKind: kind, Detail: err.Error()}, err
	}
	if res.AlreadySettled {
		err := fmt.Errorf("lifecycle: protective on %s: %w", req.Market, domain.ErrAlreadySettled)
		return domain.ProtectiveResult{ErrorKind: domain.ErrKindAlreadySettled, Detail: err.Error()}, err
	}

	if pos != nil {
		if req.Kind == domain.ProtectiveStopLoss {
			pos.StopLoss = &price
		} else {
			pos.TakeProfit = &price
		}
		if err := s.store.Update(ctx, *pos); err != nil {
			s.logger.WarnContext(ctx, "trigger update persist failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}

	s.auditLog(ctx, "protective_set", map[string]any{
		"market":      req.Market,
		"kind":        string(req.Kind),
		"price":       price,
		"clamped":     plan.Clamped,
		"trade_index": req.TradeIndex,
		"tx_hash":     res.Receipt.TxHash,
	})

	result := domain.ProtectiveResult{
		Success: true,
		TxHash:  res.Receipt.TxHash,
		Price:   price,
		Clamped: plan.Clamped,
	}
	if plan.Clamped {
		adj := plan.AdjustedPct
		result.AdjustedPct = &adj
	}
	return result, nil
}

// ReconcileSubmitted retries index resolution for positions stuck in
// SUBMITTED, advancing each resolved one to OPEN. It never resubmits
// the open itself. Returns how many positions were resolved.
func (s *LifecycleService) ReconcileSubmitted(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListByStatus(ctx, s.venue, domain.StatusSubmitted, domain.ListOpts{Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: reconcile list: %w", err)
	}

	var resolved int
	for i := range pending {
		pos := pending[i]
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		market, err := s.markets.Validate(ctx, pos.Market, pos.Leverage)
		if err != nil {
			s.logger.WarnContext(ctx, "reconcile market lookup failed",
				slog.String("position_id", pos.ID),
				slog.String("market", pos.Market),
				slog.String("error", err.Error()))
			continue
		}

		if !s.resolveAndAdvance(ctx, &pos, market.PairIndex) {
			continue
		}
		pos.Status = domain.StatusOpen
		if err := s.store.Update(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "reconcile status advance failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *LifecycleService) findByIndices(ctx context.Context, userAddress string, pairIndex, tradeIndex uint32) *domain.Position {
	positions, err := s.store.ListOpenByUser(ctx, userAddress)
	if err != nil {
		s.logger.WarnContext(ctx, "open position lookup failed",
			slog.String("user", userAddress),
			slog.String("error", err.Error()))
		return nil
	}
	for i := range positions {
		p := &positions[i]
		if p.Resolved() && *p.PairIndex == pairIndex && *p.TradeIndex == tradeIndex {
			return p
		}
	}
	return nil
}

// estimateLiquidation approximates the liquidation price from entry
// and leverage: the venue liquidates around a 90% collateral loss.
func estimateLiquidation(side domain.TradeSide, entry, leverage float64) *float64 {
	if entry <= 0 || leverage <= 0 {
		return nil
	}
	var liq float64
	if side == domain.SideLong {
		liq = entry * (1 - 0.9/leverage)
	} else {
		liq = entry * (1 + 0.9/leverage)
	}
	return &liq
}

func kindFromClass(c trading.Classification, err error) domain.ErrorKind {
	switch {
	case c.Kind == trading.KindInsufficientFunds || errors.Is(err, domain.ErrInsufficientFunds):
		return domain.ErrKindInsufficientFunds
	case c.Kind == trading.KindTerminal:
		return domain.ErrKindVenueRejection
	case errors.Is(err, domain.ErrValidation):
		return domain.ErrKindValidation
	default:
		return domain.ErrKindServiceUnavailable
	}
}

func (s *LifecycleService) publish(ctx context.Context, ev domain.LifecycleEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

func (s *LifecycleService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
