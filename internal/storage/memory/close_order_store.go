package memory

import (
	"context"
	"sort"
	"sync"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// CloseOrderStore is an in-memory implementation of storage.CloseOrderStore.
type CloseOrderStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.CloseOrder // keyed by order key
	outbox *OutboxStore
}

var _ storage.CloseOrderStore = (*CloseOrderStore)(nil)

// NewCloseOrderStore creates a new in-memory close-order store. The
// outbox receives events written through InsertWithOutbox; it may be nil
// when atomic publication is not under test.
func NewCloseOrderStore(outbox *OutboxStore) *CloseOrderStore {
	return &CloseOrderStore{
		data:   make(map[string]*domain.CloseOrder),
		outbox: outbox,
	}
}

// Insert adds a new close order. Returns ErrDuplicateKey if the key exists.
func (s *CloseOrderStore) Insert(_ context.Context, o *domain.CloseOrder) error {
	if o == nil {
		return storage.ErrInvalidInput
	}
	if err := o.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(o)
}

// InsertWithOutbox adds a close order and an outbox event under one lock,
// mirroring the transactional guarantee of the durable backends.
func (s *CloseOrderStore) InsertWithOutbox(ctx context.Context, o *domain.CloseOrder, ev *storage.OutboxEvent) error {
	if o == nil || ev == nil {
		return storage.ErrInvalidInput
	}
	if err := o.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(o); err != nil {
		return err
	}
	if s.outbox != nil {
		if err := s.outbox.Insert(ctx, ev); err != nil {
			delete(s.data, o.Key())
			return err
		}
	}
	return nil
}

func (s *CloseOrderStore) insertLocked(o *domain.CloseOrder) error {
	key := o.Key()
	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	c := *o
	s.data[key] = &c
	return nil
}

// GetByKey retrieves an order. Returns ErrNotFound if not exists.
func (s *CloseOrderStore) GetByKey(_ context.Context, key string) (*domain.CloseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	c := *o
	return &c, nil
}

// Update replaces the stored order. Returns ErrTerminalState if the
// stored order already reached a terminal status.
func (s *CloseOrderStore) Update(_ context.Context, o *domain.CloseOrder) error {
	if o == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := o.Key()
	existing, exists := s.data[key]
	if !exists {
		return storage.ErrNotFound
	}
	if existing.Status.Terminal() {
		return storage.ErrTerminalState
	}
	c := *o
	s.data[key] = &c
	return nil
}

// ListActive retrieves orders in a non-terminal status, ordered by key.
func (s *CloseOrderStore) ListActive(_ context.Context) ([]*domain.CloseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CloseOrder
	for _, o := range s.data {
		if !o.Status.Terminal() {
			c := *o
			result = append(result, &c)
		}
	}
	sortOrders(result)
	return result, nil
}

// ListByStrategy retrieves all orders attached to a strategy, ordered by key.
func (s *CloseOrderStore) ListByStrategy(_ context.Context, strategyID string) ([]*domain.CloseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CloseOrder
	for _, o := range s.data {
		if o.StrategyID == strategyID {
			c := *o
			result = append(result, &c)
		}
	}
	sortOrders(result)
	return result, nil
}

func sortOrders(orders []*domain.CloseOrder) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Key() < orders[j].Key()
	})
}
