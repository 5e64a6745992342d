package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. The store enforces uniqueness on
// (deployment_id, signal_id, venue); CreateIfAbsent is the atomic
// check-or-insert the idempotency guard relies on.
type PositionStore interface {
	// CreateIfAbsent inserts pos unless a row with the same key exists.
	// It returns the row that is now authoritative for the key and
	// whether this call created it.
	CreateIfAbsent(ctx context.Context, pos Position) (Position, bool, error)
	GetByID(ctx context.Context, id string) (Position, error)
	GetByKey(ctx context.Context, key IdempotencyKey) (Position, error)
	// FindOpenByTrade locates a non-terminal position by market and
	// on-chain trade identifier.
	FindOpenByTrade(ctx context.Context, venue, market, tradeID string) (Position, error)
	Update(ctx context.Context, pos Position) error
	ListByStatus(ctx context.Context, venue string, status PositionStatus, opts ListOpts) ([]Position, error)
	ListOpenByUser(ctx context.Context, userAddress string) ([]Position, error)
	ListClosedByUser(ctx context.Context, userAddress string, opts ListOpts) ([]Position, error)
	// ListClosedBefore and DeleteByIDs support the archive pass.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// AgentKeyStore persists encrypted agent signing keys.
type AgentKeyStore interface {
	Get(ctx context.Context, agentAddress string) (AgentKey, error)
	ListByUser(ctx context.Context, userAddress string) ([]AgentKey, error)
	Put(ctx context.Context, key AgentKey) error
}

// MarketStore persists the venue market catalog.
type MarketStore interface {
	UpsertBatch(ctx context.Context, markets []Market) error
	GetBySymbol(ctx context.Context, symbol string) (Market, error)
	ListActive(ctx context.Context) ([]Market, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
