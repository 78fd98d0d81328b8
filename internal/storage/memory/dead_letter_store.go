package memory

import (
	"context"
	"sync"

	"lpguard/internal/storage"
)

// DeadLetterStore is an in-memory implementation of storage.DeadLetterStore.
type DeadLetterStore struct {
	mu    sync.RWMutex
	order []string
	data  map[string]*storage.DeadLetter
}

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// NewDeadLetterStore creates a new in-memory dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		data: make(map[string]*storage.DeadLetter),
	}
}

// Insert records a rejected event. Returns ErrDuplicateKey if the id exists.
func (s *DeadLetterStore) Insert(_ context.Context, d *storage.DeadLetter) error {
	if d == nil || d.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[d.ID]; exists {
		return storage.ErrDuplicateKey
	}
	c := *d
	c.Payload = append([]byte(nil), d.Payload...)
	s.data[d.ID] = &c
	s.order = append(s.order, d.ID)
	return nil
}

// ListByStrategy retrieves rejected events for a strategy, oldest first.
func (s *DeadLetterStore) ListByStrategy(_ context.Context, strategyID string) ([]*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.DeadLetter
	for _, id := range s.order {
		d := s.data[id]
		if d.StrategyID != strategyID {
			continue
		}
		c := *d
		c.Payload = append([]byte(nil), d.Payload...)
		result = append(result, &c)
	}
	return result, nil
}
