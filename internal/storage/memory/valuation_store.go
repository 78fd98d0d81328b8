package memory

import (
	"context"
	"sync"
	"time"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// ValuationStore is an in-memory implementation of storage.ValuationStore.
type ValuationStore struct {
	mu    sync.RWMutex
	snaps []*domain.ValuationSnapshot
}

var _ storage.ValuationStore = (*ValuationStore)(nil)

// NewValuationStore creates a new in-memory valuation store.
func NewValuationStore() *ValuationStore {
	return &ValuationStore{}
}

// InsertBulk adds snapshots in insertion order.
func (s *ValuationStore) InsertBulk(_ context.Context, snaps []*domain.ValuationSnapshot) error {
	for _, snap := range snaps {
		if snap == nil || snap.StrategyID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		c := *snap
		s.snaps = append(s.snaps, &c)
	}
	return nil
}

// GetLatest retrieves the most recent snapshot for a strategy.
func (s *ValuationStore) GetLatest(_ context.Context, strategyID string) (*domain.ValuationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.ValuationSnapshot
	for _, snap := range s.snaps {
		if snap.StrategyID != strategyID {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	c := *latest
	return &c, nil
}

// ListByStrategy retrieves snapshots for a strategy within [start, end].
func (s *ValuationStore) ListByStrategy(_ context.Context, strategyID string, start, end time.Time) ([]*domain.ValuationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ValuationSnapshot
	for _, snap := range s.snaps {
		if snap.StrategyID != strategyID {
			continue
		}
		if snap.Timestamp.Before(start) || snap.Timestamp.After(end) {
			continue
		}
		c := *snap
		result = append(result, &c)
	}
	return result, nil
}
