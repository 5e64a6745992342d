package domain

// ErrorKind is the machine-readable failure taxonomy surfaced at the
// service boundary. Components above the submitter only ever see these,
// never raw transport errors.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrKindAlreadySettled     ErrorKind = "already_settled"
	ErrKindInsufficientFunds  ErrorKind = "insufficient_funds"
	ErrKindValidation         ErrorKind = "validation_error"
	ErrKindVenueRejection     ErrorKind = "venue_rejection"
)

// ProtectiveKind distinguishes the two trigger types.
type ProtectiveKind string

const (
	ProtectiveStopLoss   ProtectiveKind = "stop_loss"
	ProtectiveTakeProfit ProtectiveKind = "take_profit"
)

// OpenRequest opens a leveraged position for a user via their agent.
type OpenRequest struct {
	DeploymentID string    `json:"deploymentId"`
	SignalID     string    `json:"signalId"`
	UserAddress  string    `json:"userAddress"`
	AgentAddress string    `json:"agentAddress"`
	Market       string    `json:"market"`
	Side         TradeSide `json:"side"`
	Collateral   float64   `json:"collateral"`
	Leverage     float64   `json:"leverage"`
	Delegated    bool      `json:"delegated"`

	// Optional protective offsets applied after index resolution.
	StopLossPct   *float64 `json:"stopLossPct,omitempty"`
	TakeProfitPct *float64 `json:"takeProfitPct,omitempty"`
}

// OpenResult is the synchronous answer to an open request. A result
// with Success=true and IndexResolved=false is the degraded-but-valid
// outcome: the position exists but protective orders are not yet
// settable.
type OpenResult struct {
	Success       bool           `json:"success"`
	Duplicate     bool           `json:"duplicate,omitempty"`
	OrderID       string         `json:"orderId,omitempty"`
	TxHash        string         `json:"txHash,omitempty"`
	EntryPrice    float64        `json:"entryPrice,omitempty"`
	TradeIndex    *uint32        `json:"tradeIndex,omitempty"`
	PairIndex     *uint32        `json:"pairIndex,omitempty"`
	IndexResolved bool           `json:"indexResolved"`
	Status        PositionStatus `json:"status,omitempty"`
	ErrorKind     ErrorKind      `json:"errorKind,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// CloseRequest closes a position, located either by deployment key or
// by market plus trade identifier.
type CloseRequest struct {
	DeploymentID string  `json:"deploymentId,omitempty"`
	SignalID     string  `json:"signalId,omitempty"`
	UserAddress  string  `json:"userAddress"`
	AgentAddress string  `json:"agentAddress"`
	Market       string  `json:"market"`
	TradeID      *string `json:"tradeId,omitempty"`
	Delegated    bool    `json:"delegated"`
}

// CloseResult reports a close. AlreadyClosed=true is a success: the
// venue settled the position before (or despite) this request.
type CloseResult struct {
	Success       bool           `json:"success"`
	AlreadyClosed bool           `json:"alreadyClosed,omitempty"`
	TxHash        string         `json:"txHash,omitempty"`
	RealizedPnL   *float64       `json:"realizedPnl,omitempty"`
	Status        PositionStatus `json:"status,omitempty"`
	ErrorKind     ErrorKind      `json:"errorKind,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// ProtectiveRequest places or updates a stop-loss/take-profit trigger
// on an already index-resolved position.
type ProtectiveRequest struct {
	UserAddress    string         `json:"userAddress"`
	AgentAddress   string         `json:"agentAddress"`
	Market         string         `json:"market"`
	TradeIndex     uint32         `json:"tradeIndex"`
	PairIndex      uint32         `json:"pairIndex"`
	Side           TradeSide      `json:"side"`
	Kind           ProtectiveKind `json:"kind"`
	Percent        float64        `json:"percent"`
	ReferencePrice float64        `json:"referencePrice"`
	Delegated      bool           `json:"delegated"`
}

// ProtectiveResult reports a trigger placement. Clamped=true means the
// stop-loss was pulled up/down to stay clear of the liquidation price;
// AdjustedPct then carries the effective percentage from reference.
type ProtectiveResult struct {
	Success     bool      `json:"success"`
	TxHash      string    `json:"txHash,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Clamped     bool      `json:"clamped,omitempty"`
	AdjustedPct *float64  `json:"adjustedPct,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}
