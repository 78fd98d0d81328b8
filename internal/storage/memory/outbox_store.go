package memory

import (
	"context"
	"sync"

	"lpguard/internal/storage"
)

// OutboxStore is an in-memory implementation of storage.OutboxStore.
type OutboxStore struct {
	mu    sync.RWMutex
	order []string
	data  map[string]*storage.OutboxEvent
}

var _ storage.OutboxStore = (*OutboxStore)(nil)

// NewOutboxStore creates a new in-memory outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		data: make(map[string]*storage.OutboxEvent),
	}
}

// Insert stages an event. Returns ErrDuplicateKey if the id exists.
func (s *OutboxStore) Insert(_ context.Context, ev *storage.OutboxEvent) error {
	if ev == nil || ev.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[ev.ID]; exists {
		return storage.ErrDuplicateKey
	}
	c := *ev
	c.Payload = append([]byte(nil), ev.Payload...)
	s.data[ev.ID] = &c
	s.order = append(s.order, ev.ID)
	return nil
}

// ListUnpublished retrieves staged events not yet published, oldest first.
func (s *OutboxStore) ListUnpublished(_ context.Context, limit int) ([]*storage.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.OutboxEvent
	for _, id := range s.order {
		ev := s.data[id]
		if ev.Published {
			continue
		}
		c := *ev
		c.Payload = append([]byte(nil), ev.Payload...)
		result = append(result, &c)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// MarkPublished flags an event as published.
func (s *OutboxStore) MarkPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	ev.Published = true
	return nil
}
