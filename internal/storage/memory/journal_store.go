package memory

import (
	"context"
	"sync"
	"time"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// JournalStore is an in-memory implementation of storage.JournalStore.
// Entries are held in insertion order; the journal is append-only.
type JournalStore struct {
	mu      sync.RWMutex
	entries []*domain.JournalEntry
	byRef   map[string]*domain.JournalEntry
}

var _ storage.JournalStore = (*JournalStore)(nil)

// NewJournalStore creates a new in-memory journal store.
func NewJournalStore() *JournalStore {
	return &JournalStore{
		byRef: make(map[string]*domain.JournalEntry),
	}
}

// Insert appends one entry. Returns ErrDuplicateKey if an entry with the
// same event ref exists.
func (s *JournalStore) Insert(_ context.Context, e *domain.JournalEntry) error {
	if e == nil || e.ID == "" || e.EventRef == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRef[e.EventRef]; exists {
		return storage.ErrDuplicateKey
	}
	c := copyEntry(e)
	s.entries = append(s.entries, c)
	s.byRef[e.EventRef] = c
	return nil
}

// GetByEventRef retrieves an entry by its originating event reference.
func (s *JournalStore) GetByEventRef(_ context.Context, eventRef string) (*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.byRef[eventRef]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyEntry(e), nil
}

// ListByPosition retrieves entries with at least one line referencing the
// position, in insertion order.
func (s *JournalStore) ListByPosition(_ context.Context, positionID string) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.entries {
		for _, line := range e.Lines {
			if line.PositionID == positionID {
				result = append(result, copyEntry(e))
				break
			}
		}
	}
	return result, nil
}

// ListSince retrieves entries posted at or after t, in insertion order.
func (s *JournalStore) ListSince(_ context.Context, t time.Time) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.entries {
		if !e.Timestamp.Before(t) {
			result = append(result, copyEntry(e))
		}
	}
	return result, nil
}

func copyEntry(e *domain.JournalEntry) *domain.JournalEntry {
	c := *e
	c.Lines = append([]domain.JournalLine(nil), e.Lines...)
	return &c
}
