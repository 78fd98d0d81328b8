package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// JournalStore implements storage.JournalStore using PostgreSQL. An
// entry and its lines commit in one transaction; entries are never
// updated or deleted.
type JournalStore struct {
	pool *Pool
}

// NewJournalStore creates a new JournalStore.
func NewJournalStore(pool *Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.JournalStore = (*JournalStore)(nil)

// Insert appends one balanced entry with all its lines atomically.
// Returns ErrDuplicateKey if an entry with the same event ref exists.
func (s *JournalStore) Insert(ctx context.Context, e *domain.JournalEntry) error {
	err := s.pool.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO journal_entries (entry_id, event_ref, memo, posted_at)
			VALUES ($1, $2, $3, $4)
		`, e.ID, e.EventRef, e.Memo, e.Timestamp)
		if err != nil {
			return err
		}

		for i, l := range e.Lines {
			_, err := tx.Exec(ctx, `
				INSERT INTO journal_lines (
					entry_id, line_index, account_code, side, amount, currency, position_id
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, e.ID, i, l.Account, string(l.Side), l.Amount, l.Currency, l.PositionID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// GetByEventRef retrieves an entry by its originating event reference.
// Returns ErrNotFound if not exists.
func (s *JournalStore) GetByEventRef(ctx context.Context, eventRef string) (*domain.JournalEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT entry_id, event_ref, memo, posted_at
		FROM journal_entries
		WHERE event_ref = $1
	`, eventRef)

	var e domain.JournalEntry
	if err := row.Scan(&e.ID, &e.EventRef, &e.Memo, &e.Timestamp); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get journal entry by event ref: %w", err)
	}

	lines, err := s.linesFor(ctx, []string{e.ID})
	if err != nil {
		return nil, err
	}
	e.Lines = lines[e.ID]
	return &e, nil
}

// ListByPosition retrieves all entries with at least one line referencing
// the position, ordered by insertion.
func (s *JournalStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.JournalEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT e.entry_id, e.event_ref, e.memo, e.posted_at
		FROM journal_entries e
		JOIN journal_lines l ON l.entry_id = e.entry_id
		WHERE l.position_id = $1
		ORDER BY e.posted_at ASC, e.entry_id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries by position: %w", err)
	}
	defer rows.Close()

	return s.scanEntriesWithLines(ctx, rows)
}

// ListSince retrieves entries posted at or after t, ordered by insertion.
func (s *JournalStore) ListSince(ctx context.Context, t time.Time) ([]*domain.JournalEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, event_ref, memo, posted_at
		FROM journal_entries
		WHERE posted_at >= $1
		ORDER BY posted_at ASC, entry_id ASC
	`, t)
	if err != nil {
		return nil, fmt.Errorf("list journal entries since: %w", err)
	}
	defer rows.Close()

	return s.scanEntriesWithLines(ctx, rows)
}

func (s *JournalStore) scanEntriesWithLines(ctx context.Context, rows pgx.Rows) ([]*domain.JournalEntry, error) {
	var entries []*domain.JournalEntry
	var ids []string
	for rows.Next() {
		var e domain.JournalEntry
		if err := rows.Scan(&e.ID, &e.EventRef, &e.Memo, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan journal entry row: %w", err)
		}
		entries = append(entries, &e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entry rows: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	lines, err := s.linesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		e.Lines = lines[e.ID]
	}
	return entries, nil
}

// linesFor loads lines for the given entries, keyed by entry id and
// ordered by line index.
func (s *JournalStore) linesFor(ctx context.Context, entryIDs []string) (map[string][]domain.JournalLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, account_code, side, amount, currency, position_id
		FROM journal_lines
		WHERE entry_id = ANY($1)
		ORDER BY entry_id ASC, line_index ASC
	`, entryIDs)
	if err != nil {
		return nil, fmt.Errorf("list journal lines: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.JournalLine)
	for rows.Next() {
		var entryID, sideStr string
		var l domain.JournalLine
		if err := rows.Scan(&entryID, &l.Account, &sideStr, &l.Amount, &l.Currency, &l.PositionID); err != nil {
			return nil, fmt.Errorf("scan journal line row: %w", err)
		}
		l.Side = domain.EntrySide(sideStr)
		out[entryID] = append(out[entryID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal line rows: %w", err)
	}
	return out, nil
}
