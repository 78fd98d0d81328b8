package postgres

import (
	"context"
	"fmt"

	"lpguard/internal/storage"
)

// OutboxStore implements storage.OutboxStore using PostgreSQL.
type OutboxStore struct {
	pool *Pool
}

// NewOutboxStore creates a new OutboxStore.
func NewOutboxStore(pool *Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OutboxStore = (*OutboxStore)(nil)

// Insert stages an event. Returns ErrDuplicateKey if the id exists.
func (s *OutboxStore) Insert(ctx context.Context, ev *storage.OutboxEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_events (event_id, topic, payload, created_at, published)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.Topic, ev.Payload, ev.CreatedAt, ev.Published)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ListUnpublished retrieves staged events not yet published, oldest
// first, up to limit.
func (s *OutboxStore) ListUnpublished(ctx context.Context, limit int) ([]*storage.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, topic, payload, created_at, published
		FROM outbox_events
		WHERE NOT published
		ORDER BY created_at ASC, event_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished outbox events: %w", err)
	}
	defer rows.Close()

	var events []*storage.OutboxEvent
	for rows.Next() {
		var ev storage.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Payload, &ev.CreatedAt, &ev.Published); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return events, nil
}

// MarkPublished flags an event as published. Returns ErrNotFound if not
// exists.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET published = TRUE WHERE event_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
