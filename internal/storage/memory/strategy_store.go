package memory

import (
	"context"
	"sort"
	"sync"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// StrategyStore is an in-memory implementation of storage.StrategyStore.
type StrategyStore struct {
	mu   sync.RWMutex
	data map[string]*domain.StrategyRecord // keyed by strategy_id
}

var _ storage.StrategyStore = (*StrategyStore)(nil)

// NewStrategyStore creates a new in-memory strategy store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		data: make(map[string]*domain.StrategyRecord),
	}
}

// Insert adds a new strategy record. Returns ErrDuplicateKey if the strategy id exists.
func (s *StrategyStore) Insert(_ context.Context, r *domain.StrategyRecord) error {
	if r == nil || r.StrategyID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.StrategyID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[r.StrategyID] = copyStrategy(r)
	return nil
}

// GetByID retrieves a strategy by id. Returns ErrNotFound if not exists.
func (s *StrategyStore) GetByID(_ context.Context, strategyID string) (*domain.StrategyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[strategyID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyStrategy(r), nil
}

// Update replaces the mutable fields of an existing record.
func (s *StrategyStore) Update(_ context.Context, r *domain.StrategyRecord) error {
	if r == nil || r.StrategyID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.StrategyID]; !exists {
		return storage.ErrNotFound
	}
	s.data[r.StrategyID] = copyStrategy(r)
	return nil
}

// List retrieves all strategy records ordered by strategy id.
func (s *StrategyStore) List(_ context.Context) ([]*domain.StrategyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.StrategyRecord, 0, len(s.data))
	for _, r := range s.data {
		result = append(result, copyStrategy(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StrategyID < result[j].StrategyID
	})
	return result, nil
}

// copyStrategy deep-copies a record so callers cannot mutate stored state.
func copyStrategy(r *domain.StrategyRecord) *domain.StrategyRecord {
	c := *r
	c.Config = append([]byte(nil), r.Config...)
	c.Local = append([]byte(nil), r.Local...)
	return &c
}
