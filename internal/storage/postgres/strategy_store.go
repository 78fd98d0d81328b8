package postgres

import (
	"context"
	"fmt"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// StrategyStore implements storage.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *Pool
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(pool *Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StrategyStore = (*StrategyStore)(nil)

// Insert adds a new strategy record. Returns ErrDuplicateKey if the
// strategy id exists.
func (s *StrategyStore) Insert(ctx context.Context, r *domain.StrategyRecord) error {
	query := `
		INSERT INTO strategies (
			strategy_id, strategy_type, config, local_state,
			auth_wallet, auth_scope, auth_expires_at, auth_signature,
			wallet, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		r.StrategyID,
		string(r.Type),
		[]byte(r.Config),
		[]byte(r.Local),
		r.Authorization.Wallet,
		r.Authorization.Scope,
		r.Authorization.ExpiresAt,
		r.Authorization.Signature,
		r.Wallet,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

// GetByID retrieves a strategy by id. Returns ErrNotFound if not exists.
func (s *StrategyStore) GetByID(ctx context.Context, strategyID string) (*domain.StrategyRecord, error) {
	query := strategySelect + ` WHERE strategy_id = $1`

	row := s.pool.QueryRow(ctx, query, strategyID)
	r, err := scanStrategy(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get strategy by id: %w", err)
	}
	return r, nil
}

// Update replaces the mutable fields of an existing record. Returns
// ErrNotFound if not exists.
func (s *StrategyStore) Update(ctx context.Context, r *domain.StrategyRecord) error {
	query := `
		UPDATE strategies
		SET local_state = $2,
		    auth_wallet = $3, auth_scope = $4, auth_expires_at = $5, auth_signature = $6,
		    updated_at = $7
		WHERE strategy_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		r.StrategyID,
		[]byte(r.Local),
		r.Authorization.Wallet,
		r.Authorization.Scope,
		r.Authorization.ExpiresAt,
		r.Authorization.Signature,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List retrieves all strategy records.
func (s *StrategyStore) List(ctx context.Context) ([]*domain.StrategyRecord, error) {
	query := strategySelect + ` ORDER BY created_at ASC, strategy_id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var records []*domain.StrategyRecord
	for rows.Next() {
		r, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategy rows: %w", err)
	}
	return records, nil
}

const strategySelect = `
	SELECT strategy_id, strategy_type, config, local_state,
	       auth_wallet, auth_scope, auth_expires_at, auth_signature,
	       wallet, created_at, updated_at
	FROM strategies
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*domain.StrategyRecord, error) {
	var r domain.StrategyRecord
	var typeStr string
	var config, local []byte

	err := row.Scan(
		&r.StrategyID,
		&typeStr,
		&config,
		&local,
		&r.Authorization.Wallet,
		&r.Authorization.Scope,
		&r.Authorization.ExpiresAt,
		&r.Authorization.Signature,
		&r.Wallet,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = domain.StrategyType(typeStr)
	r.Config = config
	r.Local = local
	return &r, nil
}
