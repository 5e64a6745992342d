package domain

import (
	"fmt"
	"strings"
	"time"
)

// TradeSide is the direction of a leveraged exposure.
type TradeSide string

const (
	SideLong  TradeSide = "long"
	SideShort TradeSide = "short"
)

// ParseSide normalizes a user-supplied side string.
func ParseSide(s string) (TradeSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("%w: side %q", ErrValidation, s)
	}
}

// PositionStatus is the lifecycle state of a Position. Transitions only
// move forward through the ordered states; ALREADY_CLOSED and FAILED
// absorb from any non-terminal state.
type PositionStatus string

const (
	StatusPendingSubmit PositionStatus = "PENDING_SUBMIT"
	StatusSubmitted     PositionStatus = "SUBMITTED"
	StatusIndexResolved PositionStatus = "INDEX_RESOLVED"
	StatusOpen          PositionStatus = "OPEN"
	StatusClosing       PositionStatus = "CLOSING"
	StatusClosed        PositionStatus = "CLOSED"
	StatusAlreadyClosed PositionStatus = "ALREADY_CLOSED"
	StatusFailed        PositionStatus = "FAILED"
)

// statusRank orders the forward path. Absorbing states are not ranked.
var statusRank = map[PositionStatus]int{
	StatusPendingSubmit: 0,
	StatusSubmitted:     1,
	StatusIndexResolved: 2,
	StatusOpen:          3,
	StatusClosing:       4,
	StatusClosed:        5,
}

// IsTerminal reports whether no further transitions are allowed.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusAlreadyClosed || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Skipping ahead is allowed (e.g. SUBMITTED straight to
// CLOSING when the index never resolved); moving backward is not.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusAlreadyClosed || next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Position is the authoritative record of a leveraged exposure opened
// through a delegated agent. (DeploymentID, SignalID, Venue) is unique
// and serves as the idempotency key for open.
type Position struct {
	ID           string
	DeploymentID string
	SignalID     string
	Venue        string
	UserAddress  string
	AgentAddress string
	Market       string
	Side         TradeSide
	Collateral   float64
	Leverage     float64
	Status       PositionStatus

	RequestedPrice float64
	EntryPrice     *float64

	// On-chain identifiers, nil until the lagging index resolves them.
	TradeID    *string
	TradeIndex *uint32
	PairIndex  *uint32

	StopLoss   *float64
	TakeProfit *float64

	OpenOrderID string
	OpenTxHash  string
	CloseTxHash *string
	RealizedPnL *float64
	FailReason  *string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Resolved reports whether the on-chain trade index is known.
func (p Position) Resolved() bool {
	return p.TradeIndex != nil && p.PairIndex != nil
}

// Key returns the idempotency key for this position.
func (p Position) Key() IdempotencyKey {
	return IdempotencyKey{
		DeploymentID: p.DeploymentID,
		SignalID:     p.SignalID,
		Venue:        p.Venue,
	}
}

// IdempotencyKey identifies one logical open operation.
type IdempotencyKey struct {
	DeploymentID string
	SignalID     string
	Venue        string
}

// String renders the key for lock names and log attrs.
func (k IdempotencyKey) String() string {
	return k.DeploymentID + ":" + k.SignalID + ":" + k.Venue
}
