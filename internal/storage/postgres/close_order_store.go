package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// CloseOrderStore implements storage.CloseOrderStore using PostgreSQL.
type CloseOrderStore struct {
	pool *Pool
}

// NewCloseOrderStore creates a new CloseOrderStore.
func NewCloseOrderStore(pool *Pool) *CloseOrderStore {
	return &CloseOrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CloseOrderStore = (*CloseOrderStore)(nil)

// Insert adds a new close order. Returns ErrDuplicateKey if the key exists.
func (s *CloseOrderStore) Insert(ctx context.Context, o *domain.CloseOrder) error {
	if o == nil {
		return storage.ErrInvalidInput
	}
	if err := o.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, closeOrderInsert, closeOrderArgs(o)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert close order: %w", err)
	}
	return nil
}

// InsertWithOutbox adds a close order and an outbox event in one
// transaction, so registration and its domain-event publication commit
// atomically.
func (s *CloseOrderStore) InsertWithOutbox(ctx context.Context, o *domain.CloseOrder, ev *storage.OutboxEvent) error {
	if o == nil || ev == nil {
		return storage.ErrInvalidInput
	}
	if err := o.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	err := s.pool.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, closeOrderInsert, closeOrderArgs(o)...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (event_id, topic, payload, created_at, published)
			VALUES ($1, $2, $3, $4, $5)
		`, ev.ID, ev.Topic, ev.Payload, ev.CreatedAt, ev.Published)
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert close order with outbox: %w", err)
	}
	return nil
}

// GetByKey retrieves an order. Returns ErrNotFound if not exists.
func (s *CloseOrderStore) GetByKey(ctx context.Context, key string) (*domain.CloseOrder, error) {
	row := s.pool.QueryRow(ctx, closeOrderSelect+` WHERE order_key = $1`, key)
	o, err := scanCloseOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get close order by key: %w", err)
	}
	return o, nil
}

// Update replaces the mutable State fields of an existing order. Returns
// ErrNotFound if not exists and ErrTerminalState if the stored order is
// already terminal. The terminal guard runs in the same statement, so a
// concurrent writer cannot slip a transition past it.
func (s *CloseOrderStore) Update(ctx context.Context, o *domain.CloseOrder) error {
	if o == nil {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE close_orders
		SET status = $2, monitor_state = $3,
		    trigger_tick = $4, trigger_price = $5, slippage_bps = $6,
		    payout = $7, operator = $8, owner = $9,
		    valid_until = $10, swap_to_quote = $11, last_sync_block = $12,
		    retry_count = $13, retry_budget = $14, updated_at = $15
		WHERE order_key = $1
		  AND status NOT IN ('executed', 'failed', 'cancelled', 'expired')
	`,
		o.Key(),
		string(o.Status), string(o.Monitor),
		o.TriggerTick, o.TriggerPrice, o.SlippageBps,
		o.Payout, o.Operator, o.Owner,
		o.ValidUntil, o.SwapToQuote, o.LastSyncBlock,
		o.RetryCount, o.RetryBudget, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update close order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var terminal bool
		err := s.pool.QueryRow(ctx,
			`SELECT status IN ('executed', 'failed', 'cancelled', 'expired') FROM close_orders WHERE order_key = $1`,
			o.Key(),
		).Scan(&terminal)
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update close order: %w", err)
		}
		if terminal {
			return storage.ErrTerminalState
		}
		return storage.ErrNotFound
	}
	return nil
}

// ListActive retrieves orders in a non-terminal status, ordered by key.
func (s *CloseOrderStore) ListActive(ctx context.Context) ([]*domain.CloseOrder, error) {
	rows, err := s.pool.Query(ctx, closeOrderSelect+`
		WHERE status IN ('pending', 'registering', 'active', 'triggering')
		ORDER BY order_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active close orders: %w", err)
	}
	defer rows.Close()

	return scanCloseOrders(rows)
}

// ListByStrategy retrieves all orders attached to a strategy, ordered by key.
func (s *CloseOrderStore) ListByStrategy(ctx context.Context, strategyID string) ([]*domain.CloseOrder, error) {
	rows, err := s.pool.Query(ctx, closeOrderSelect+`
		WHERE strategy_id = $1
		ORDER BY order_key ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list close orders by strategy: %w", err)
	}
	defer rows.Close()

	return scanCloseOrders(rows)
}

const closeOrderInsert = `
	INSERT INTO close_orders (
		order_key, protocol, chain_id, position_id, trigger_side,
		contract, pool,
		status, monitor_state, trigger_tick, trigger_price, slippage_bps,
		payout, operator, owner, valid_until, swap_to_quote, last_sync_block,
		retry_count, retry_budget, strategy_id, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
	)
`

func closeOrderArgs(o *domain.CloseOrder) []any {
	return []any{
		o.Key(), string(o.Protocol), o.ChainID, o.PositionID, string(o.Side),
		o.Contract, o.Pool,
		string(o.Status), string(o.Monitor), o.TriggerTick, o.TriggerPrice, o.SlippageBps,
		o.Payout, o.Operator, o.Owner, o.ValidUntil, o.SwapToQuote, o.LastSyncBlock,
		o.RetryCount, o.RetryBudget, o.StrategyID, o.CreatedAt, o.UpdatedAt,
	}
}

const closeOrderSelect = `
	SELECT protocol, chain_id, position_id, trigger_side,
	       contract, pool,
	       status, monitor_state, trigger_tick, trigger_price, slippage_bps,
	       payout, operator, owner, valid_until, swap_to_quote, last_sync_block,
	       retry_count, retry_budget, strategy_id, created_at, updated_at
	FROM close_orders
`

func scanCloseOrder(row rowScanner) (*domain.CloseOrder, error) {
	var o domain.CloseOrder
	var protocol, side, status, monitor string

	err := row.Scan(
		&protocol, &o.ChainID, &o.PositionID, &side,
		&o.Contract, &o.Pool,
		&status, &monitor, &o.TriggerTick, &o.TriggerPrice, &o.SlippageBps,
		&o.Payout, &o.Operator, &o.Owner, &o.ValidUntil, &o.SwapToQuote, &o.LastSyncBlock,
		&o.RetryCount, &o.RetryBudget, &o.StrategyID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Protocol = domain.Protocol(protocol)
	o.Side = domain.TriggerSide(side)
	o.Status = domain.CloseOrderStatus(status)
	o.Monitor = domain.MonitorState(monitor)
	return &o, nil
}

func scanCloseOrders(rows pgx.Rows) ([]*domain.CloseOrder, error) {
	var orders []*domain.CloseOrder
	for rows.Next() {
		o, err := scanCloseOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan close order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate close order rows: %w", err)
	}
	return orders, nil
}
