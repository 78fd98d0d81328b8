package postgres

import (
	"context"
	"fmt"

	"lpguard/internal/storage"
)

// DeadLetterStore implements storage.DeadLetterStore using PostgreSQL.
type DeadLetterStore struct {
	pool *Pool
}

// NewDeadLetterStore creates a new DeadLetterStore.
func NewDeadLetterStore(pool *Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// Insert records a rejected event. Returns ErrDuplicateKey if the id
// exists.
func (s *DeadLetterStore) Insert(ctx context.Context, d *storage.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (letter_id, strategy_id, payload, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, d.ID, d.StrategyID, d.Payload, d.Reason, d.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListByStrategy retrieves rejected events for a strategy, oldest first.
func (s *DeadLetterStore) ListByStrategy(ctx context.Context, strategyID string) ([]*storage.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT letter_id, strategy_id, payload, reason, created_at
		FROM dead_letters
		WHERE strategy_id = $1
		ORDER BY created_at ASC, letter_id ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters by strategy: %w", err)
	}
	defer rows.Close()

	var letters []*storage.DeadLetter
	for rows.Next() {
		var d storage.DeadLetter
		if err := rows.Scan(&d.ID, &d.StrategyID, &d.Payload, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		letters = append(letters, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}
	return letters, nil
}
