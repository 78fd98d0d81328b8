package postgres

import (
	"context"
	"fmt"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using PostgreSQL.
// Attempt rows are append-only; only status and result fields change.
type ExecutionStore struct {
	pool *Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// Insert adds a new attempt row. Returns ErrDuplicateKey if the id exists.
func (s *ExecutionStore) Insert(ctx context.Context, e *domain.CloseOrderExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO close_order_executions (
			execution_id, order_key, attempt, trigger_tick, trigger_price,
			status, tx_hash, realized_price, amount0_out, amount1_out,
			error, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		e.ID, e.OrderKey, e.Attempt, e.TriggerTick, e.TriggerPrice,
		string(e.Status), e.TxHash, e.RealizedPrice, e.Amount0Out, e.Amount1Out,
		e.Error, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Update replaces the status and result fields of an attempt. Returns
// ErrNotFound if not exists.
func (s *ExecutionStore) Update(ctx context.Context, e *domain.CloseOrderExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE close_order_executions
		SET status = $2, tx_hash = $3, realized_price = $4,
		    amount0_out = $5, amount1_out = $6, error = $7, finished_at = $8
		WHERE execution_id = $1
	`,
		e.ID, string(e.Status), e.TxHash, e.RealizedPrice,
		e.Amount0Out, e.Amount1Out, e.Error, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves an attempt. Returns ErrNotFound if not exists.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (*domain.CloseOrderExecution, error) {
	row := s.pool.QueryRow(ctx, executionSelect+` WHERE execution_id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get execution by id: %w", err)
	}
	return e, nil
}

// ListByOrder retrieves all attempts for an order, ordered by attempt
// number ascending.
func (s *ExecutionStore) ListByOrder(ctx context.Context, orderKey string) ([]*domain.CloseOrderExecution, error) {
	rows, err := s.pool.Query(ctx, executionSelect+`
		WHERE order_key = $1
		ORDER BY attempt ASC
	`, orderKey)
	if err != nil {
		return nil, fmt.Errorf("list executions by order: %w", err)
	}
	defer rows.Close()

	var executions []*domain.CloseOrderExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return executions, nil
}

const executionSelect = `
	SELECT execution_id, order_key, attempt, trigger_tick, trigger_price,
	       status, tx_hash, realized_price, amount0_out, amount1_out,
	       error, started_at, finished_at
	FROM close_order_executions
`

func scanExecution(row rowScanner) (*domain.CloseOrderExecution, error) {
	var e domain.CloseOrderExecution
	var statusStr string

	err := row.Scan(
		&e.ID, &e.OrderKey, &e.Attempt, &e.TriggerTick, &e.TriggerPrice,
		&statusStr, &e.TxHash, &e.RealizedPrice, &e.Amount0Out, &e.Amount1Out,
		&e.Error, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = domain.ExecutionStatus(statusStr)
	return &e, nil
}
