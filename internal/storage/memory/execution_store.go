package memory

import (
	"context"
	"sort"
	"sync"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
type ExecutionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.CloseOrderExecution // keyed by execution id
}

var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates a new in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		data: make(map[string]*domain.CloseOrderExecution),
	}
}

// Insert adds a new attempt row. Returns ErrDuplicateKey if the id exists.
func (s *ExecutionStore) Insert(_ context.Context, e *domain.CloseOrderExecution) error {
	if e == nil || e.ID == "" || e.OrderKey == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.ID]; exists {
		return storage.ErrDuplicateKey
	}
	c := *e
	s.data[e.ID] = &c
	return nil
}

// Update replaces the status and result fields of an attempt.
func (s *ExecutionStore) Update(_ context.Context, e *domain.CloseOrderExecution) error {
	if e == nil || e.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.ID]; !exists {
		return storage.ErrNotFound
	}
	c := *e
	s.data[e.ID] = &c
	return nil
}

// GetByID retrieves an attempt. Returns ErrNotFound if not exists.
func (s *ExecutionStore) GetByID(_ context.Context, id string) (*domain.CloseOrderExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	c := *e
	return &c, nil
}

// ListByOrder retrieves all attempts for an order, ordered by attempt ASC.
func (s *ExecutionStore) ListByOrder(_ context.Context, orderKey string) ([]*domain.CloseOrderExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CloseOrderExecution
	for _, e := range s.data {
		if e.OrderKey == orderKey {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Attempt < result[j].Attempt
	})
	return result, nil
}
