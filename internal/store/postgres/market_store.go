package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmoy/perpagent/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. It is the
// durable copy of the venue pair catalog behind the Redis cache.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// UpsertBatch inserts or refreshes a batch of catalog rows in one
// transaction.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin market upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO markets (pair_index, symbol, quote, max_leverage, min_leverage, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (pair_index) DO UPDATE SET
			symbol       = EXCLUDED.symbol,
			quote        = EXCLUDED.quote,
			max_leverage = EXCLUDED.max_leverage,
			min_leverage = EXCLUDED.min_leverage,
			is_active    = EXCLUDED.is_active,
			updated_at   = NOW()`

	for _, m := range markets {
		if _, err := tx.Exec(ctx, query,
			int64(m.PairIndex), strings.ToUpper(m.Symbol), m.Quote,
			m.MaxLeverage, m.MinLeverage, m.IsActive,
		); err != nil {
			return fmt.Errorf("postgres: upsert market %s: %w", m.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit market upsert: %w", err)
	}
	return nil
}

// GetBySymbol returns the catalog row for a symbol.
func (s *MarketStore) GetBySymbol(ctx context.Context, symbol string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT pair_index, symbol, quote, max_leverage, min_leverage, is_active, updated_at
		 FROM markets WHERE symbol = $1`,
		strings.ToUpper(symbol))

	var m domain.Market
	var pairIndex int64
	err := row.Scan(&pairIndex, &m.Symbol, &m.Quote, &m.MaxLeverage, &m.MinLeverage, &m.IsActive, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", symbol, err)
	}
	m.PairIndex = uint32(pairIndex)
	return m, nil
}

// ListActive returns all tradable catalog rows ordered by pair index.
func (s *MarketStore) ListActive(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pair_index, symbol, quote, max_leverage, min_leverage, is_active, updated_at
		 FROM markets WHERE is_active ORDER BY pair_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		var m domain.Market
		var pairIndex int64
		if err := rows.Scan(&pairIndex, &m.Symbol, &m.Quote, &m.MaxLeverage, &m.MinLeverage, &m.IsActive, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m.PairIndex = uint32(pairIndex)
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active markets rows: %w", err)
	}
	return markets, nil
}
