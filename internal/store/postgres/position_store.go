package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmoy/perpagent/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The
// positions_idempotency_key unique constraint on (deployment_id,
// signal_id, venue) is what makes CreateIfAbsent atomic.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, deployment_id, signal_id, venue, user_address, agent_address,
	market, side, collateral, leverage, status, requested_price, entry_price,
	trade_id, trade_index, pair_index, stop_loss, take_profit,
	open_order_id, open_tx_hash, close_tx_hash, realized_pnl, fail_reason,
	created_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var tradeIndex, pairIndex *int64

	err := row.Scan(
		&p.ID, &p.DeploymentID, &p.SignalID, &p.Venue, &p.UserAddress, &p.AgentAddress,
		&p.Market, &side, &p.Collateral, &p.Leverage, &status, &p.RequestedPrice, &p.EntryPrice,
		&p.TradeID, &tradeIndex, &pairIndex, &p.StopLoss, &p.TakeProfit,
		&p.OpenOrderID, &p.OpenTxHash, &p.CloseTxHash, &p.RealizedPnL, &p.FailReason,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.TradeSide(side)
	p.Status = domain.PositionStatus(status)
	if tradeIndex != nil {
		v := uint32(*tradeIndex)
		p.TradeIndex = &v
	}
	if pairIndex != nil {
		v := uint32(*pairIndex)
		p.PairIndex = &v
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func indexArg(v *uint32) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

// CreateIfAbsent inserts pos unless a row with the same idempotency key
// already exists, and returns the row that is authoritative for the key
// along with whether this call created it.
func (s *PositionStore) CreateIfAbsent(ctx context.Context, pos domain.Position) (domain.Position, bool, error) {
	const query = `
		INSERT INTO positions (
			id, deployment_id, signal_id, venue, user_address, agent_address,
			market, side, collateral, leverage, status, requested_price, entry_price,
			trade_id, trade_index, pair_index, stop_loss, take_profit,
			open_order_id, open_tx_hash, close_tx_hash, realized_pnl, fail_reason,
			created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23,
			$24, $25, $26
		)
		ON CONFLICT ON CONSTRAINT positions_idempotency_key DO NOTHING
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query,
		pos.ID, pos.DeploymentID, pos.SignalID, pos.Venue, pos.UserAddress, pos.AgentAddress,
		pos.Market, string(pos.Side), pos.Collateral, pos.Leverage, string(pos.Status), pos.RequestedPrice, pos.EntryPrice,
		pos.TradeID, indexArg(pos.TradeIndex), indexArg(pos.PairIndex), pos.StopLoss, pos.TakeProfit,
		pos.OpenOrderID, pos.OpenTxHash, pos.CloseTxHash, pos.RealizedPnL, pos.FailReason,
		pos.CreatedAt, pos.UpdatedAt, pos.ClosedAt,
	)

	created, err := scanPosition(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, false, fmt.Errorf("postgres: create position %s: %w", pos.ID, err)
	}

	// The insert hit the key constraint; the earlier row wins.
	existing, err := s.GetByKey(ctx, pos.Key())
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("postgres: fetch existing position for %s: %w", pos.Key(), err)
	}
	return existing, false, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByKey retrieves the position recorded for an idempotency key.
func (s *PositionStore) GetByKey(ctx context.Context, key domain.IdempotencyKey) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE deployment_id = $1 AND signal_id = $2 AND venue = $3`,
		key.DeploymentID, key.SignalID, key.Venue)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by key %s: %w", key, err)
	}
	return p, nil
}

// FindOpenByTrade locates a non-terminal position by market and
// on-chain trade identifier.
func (s *PositionStore) FindOpenByTrade(ctx context.Context, venue, market, tradeID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE venue = $1 AND market = $2 AND trade_id = $3
		   AND status NOT IN ('CLOSED', 'ALREADY_CLOSED', 'FAILED')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		venue, market, tradeID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find position by trade %s/%s: %w", market, tradeID, err)
	}
	return p, nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position) error {
	const query = `
		UPDATE positions SET
			status        = $2,
			entry_price   = $3,
			trade_id      = $4,
			trade_index   = $5,
			pair_index    = $6,
			stop_loss     = $7,
			take_profit   = $8,
			open_order_id = $9,
			open_tx_hash  = $10,
			close_tx_hash = $11,
			realized_pnl  = $12,
			fail_reason   = $13,
			closed_at     = $14,
			updated_at    = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		pos.ID, string(pos.Status), pos.EntryPrice,
		pos.TradeID, indexArg(pos.TradeIndex), indexArg(pos.PairIndex),
		pos.StopLoss, pos.TakeProfit,
		pos.OpenOrderID, pos.OpenTxHash, pos.CloseTxHash,
		pos.RealizedPnL, pos.FailReason, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", pos.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStatus returns positions on a venue in the given status.
func (s *PositionStore) ListByStatus(ctx context.Context, venue string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE venue = $1 AND status = $2`
	args := []any{venue, string(status)}
	argIdx := 3

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status: %w", err)
	}
	return positions, nil
}

// ListOpenByUser returns non-terminal positions for a user address.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userAddress string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_address = $1
		   AND status NOT IN ('CLOSED', 'ALREADY_CLOSED', 'FAILED')
		 ORDER BY created_at DESC`,
		userAddress)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListClosedByUser returns settled positions for a user address with
// pagination and optional time filtering on closed_at.
func (s *PositionStore) ListClosedByUser(ctx context.Context, userAddress string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_address = $1 AND status IN ('CLOSED', 'ALREADY_CLOSED')`
	args := []any{userAddress}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns terminal positions closed before the cutoff,
// oldest first, for the archive pass.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('CLOSED', 'ALREADY_CLOSED', 'FAILED')
		   AND closed_at IS NOT NULL AND closed_at < $1
		 ORDER BY closed_at ASC
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed before: %w", err)
	}
	return positions, nil
}

// DeleteByIDs removes archived positions.
func (s *PositionStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete positions: %w", err)
	}
	return nil
}
