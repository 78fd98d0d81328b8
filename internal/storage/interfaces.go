package storage

import (
	"context"
	"time"

	"lpguard/internal/domain"
)

// StrategyStore provides access to strategy runtime state.
type StrategyStore interface {
	// Insert adds a new strategy record. Returns ErrDuplicateKey if the
	// strategy id exists.
	Insert(ctx context.Context, r *domain.StrategyRecord) error

	// GetByID retrieves a strategy by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, strategyID string) (*domain.StrategyRecord, error)

	// Update replaces the mutable fields (Local, Authorization, UpdatedAt)
	// of an existing record. Returns ErrNotFound if not exists.
	Update(ctx context.Context, r *domain.StrategyRecord) error

	// List retrieves all strategy records.
	List(ctx context.Context) ([]*domain.StrategyRecord, error)
}

// JournalStore provides access to the append-only journal. Entries are
// immutable once inserted.
type JournalStore interface {
	// Insert appends one balanced entry with all its lines atomically.
	// Returns ErrDuplicateKey if an entry with the same event ref exists.
	Insert(ctx context.Context, e *domain.JournalEntry) error

	// GetByEventRef retrieves an entry by its originating event reference.
	// Returns ErrNotFound if not exists.
	GetByEventRef(ctx context.Context, eventRef string) (*domain.JournalEntry, error)

	// ListByPosition retrieves all lines referencing a position, with
	// their entry timestamps, ordered by insertion.
	ListByPosition(ctx context.Context, positionID string) ([]*domain.JournalEntry, error)

	// ListSince retrieves entries posted at or after t, ordered by insertion.
	ListSince(ctx context.Context, t time.Time) ([]*domain.JournalEntry, error)
}

// CloseOrderStore provides access to close orders keyed by the composite
// identity tuple.
type CloseOrderStore interface {
	// Insert adds a new close order. Returns ErrDuplicateKey if the key
	// exists.
	Insert(ctx context.Context, o *domain.CloseOrder) error

	// InsertWithOutbox adds a new close order and an outbox event in one
	// transaction, so registration and its domain-event publication
	// commit atomically.
	InsertWithOutbox(ctx context.Context, o *domain.CloseOrder, ev *OutboxEvent) error

	// GetByKey retrieves an order. Returns ErrNotFound if not exists.
	GetByKey(ctx context.Context, key string) (*domain.CloseOrder, error)

	// Update replaces the mutable State fields of an existing order.
	// Returns ErrNotFound if not exists and ErrTerminalState if the
	// stored order is already terminal.
	Update(ctx context.Context, o *domain.CloseOrder) error

	// ListActive retrieves orders whose status is pending, registering,
	// active, or triggering.
	ListActive(ctx context.Context) ([]*domain.CloseOrder, error)

	// ListByStrategy retrieves all orders attached to a strategy.
	ListByStrategy(ctx context.Context, strategyID string) ([]*domain.CloseOrder, error)
}

// ExecutionStore provides access to close-order execution attempts.
// Attempt rows are append-only; only their status and result fields may
// be updated as the attempt progresses.
type ExecutionStore interface {
	// Insert adds a new attempt row. Returns ErrDuplicateKey if the id
	// exists.
	Insert(ctx context.Context, e *domain.CloseOrderExecution) error

	// Update replaces the status and result fields of an attempt.
	// Returns ErrNotFound if not exists.
	Update(ctx context.Context, e *domain.CloseOrderExecution) error

	// GetByID retrieves an attempt. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.CloseOrderExecution, error)

	// ListByOrder retrieves all attempts for an order, ordered by attempt
	// number ascending.
	ListByOrder(ctx context.Context, orderKey string) ([]*domain.CloseOrderExecution, error)
}

// OutboxEvent is a domain event staged for publication in the same
// transaction as the state change that produced it.
type OutboxEvent struct {
	ID        string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
	Published bool
}

// OutboxStore provides access to staged domain events.
type OutboxStore interface {
	// Insert stages an event. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, ev *OutboxEvent) error

	// ListUnpublished retrieves staged events not yet published, oldest
	// first, up to limit.
	ListUnpublished(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkPublished flags an event as published. Returns ErrNotFound if
	// not exists.
	MarkPublished(ctx context.Context, id string) error
}

// DeadLetter is an event that was rejected by strategy logic and removed
// from circulation for operator inspection.
type DeadLetter struct {
	ID         string
	StrategyID string
	Payload    []byte
	Reason     string
	CreatedAt  time.Time
}

// DeadLetterStore provides access to rejected events.
type DeadLetterStore interface {
	// Insert records a rejected event. Returns ErrDuplicateKey if the id
	// exists.
	Insert(ctx context.Context, d *DeadLetter) error

	// ListByStrategy retrieves rejected events for a strategy, oldest first.
	ListByStrategy(ctx context.Context, strategyID string) ([]*DeadLetter, error)
}

// ValuationStore provides access to valuation snapshots. Snapshots are
// analytical data written once per valuation pass.
type ValuationStore interface {
	// Insert adds snapshots in bulk.
	InsertBulk(ctx context.Context, snaps []*domain.ValuationSnapshot) error

	// GetLatest retrieves the most recent snapshot for a strategy.
	// Returns ErrNotFound if none exists.
	GetLatest(ctx context.Context, strategyID string) (*domain.ValuationSnapshot, error)

	// ListByStrategy retrieves snapshots for a strategy within [start, end].
	ListByStrategy(ctx context.Context, strategyID string, start, end time.Time) ([]*domain.ValuationSnapshot, error)
}
