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

// AgentKeyStore implements domain.AgentKeyStore using PostgreSQL.
// Addresses are stored lowercase so lookups are case-insensitive.
type AgentKeyStore struct {
	pool *pgxpool.Pool
}

// NewAgentKeyStore creates an AgentKeyStore backed by the given pool.
func NewAgentKeyStore(pool *pgxpool.Pool) *AgentKeyStore {
	return &AgentKeyStore{pool: pool}
}

// Get returns the encrypted key record for an agent address.
func (s *AgentKeyStore) Get(ctx context.Context, agentAddress string) (domain.AgentKey, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT agent_address, user_address, key_encrypted, key_iv, key_tag, created_at
		 FROM agent_keys WHERE agent_address = $1`,
		strings.ToLower(agentAddress))

	var k domain.AgentKey
	err := row.Scan(&k.AgentAddress, &k.UserAddress, &k.KeyEncrypted, &k.KeyIV, &k.KeyTag, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AgentKey{}, domain.ErrNotFound
		}
		return domain.AgentKey{}, fmt.Errorf("postgres: get agent key %s: %w", agentAddress, err)
	}
	return k, nil
}

// ListByUser returns all agent key records owned by a user address.
func (s *AgentKeyStore) ListByUser(ctx context.Context, userAddress string) ([]domain.AgentKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_address, user_address, key_encrypted, key_iv, key_tag, created_at
		 FROM agent_keys WHERE user_address = $1
		 ORDER BY created_at ASC`,
		strings.ToLower(userAddress))
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.AgentKey
	for rows.Next() {
		var k domain.AgentKey
		if err := rows.Scan(&k.AgentAddress, &k.UserAddress, &k.KeyEncrypted, &k.KeyIV, &k.KeyTag, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list agent keys rows: %w", err)
	}
	return keys, nil
}

// Put inserts or replaces an agent key record.
func (s *AgentKeyStore) Put(ctx context.Context, key domain.AgentKey) error {
	const query = `
		INSERT INTO agent_keys (agent_address, user_address, key_encrypted, key_iv, key_tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_address) DO UPDATE SET
			user_address  = EXCLUDED.user_address,
			key_encrypted = EXCLUDED.key_encrypted,
			key_iv        = EXCLUDED.key_iv,
			key_tag       = EXCLUDED.key_tag`

	_, err := s.pool.Exec(ctx, query,
		strings.ToLower(key.AgentAddress), strings.ToLower(key.UserAddress),
		key.KeyEncrypted, key.KeyIV, key.KeyTag, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put agent key %s: %w", key.AgentAddress, err)
	}
	return nil
}
