package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
	"lpguard/internal/storage"
)

// Ledger posts balanced journal entries and serves balance queries.
type Ledger struct {
	store   storage.JournalStore
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Options configures a Ledger.
type Options struct {
	Store   storage.JournalStore
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// New creates a Ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{store: opts.Store, logger: opts.Logger, metrics: opts.Metrics, now: opts.Now}, nil
}

// Post validates and appends one entry. The entry is tagged with the
// originating domain event reference; re-posting the same event ref is a
// no-op, so event replays never double-post.
func (l *Ledger) Post(ctx context.Context, eventRef, memo string, lines []domain.JournalLine) (*domain.JournalEntry, error) {
	entry := &domain.JournalEntry{
		ID:        uuid.NewString(),
		EventRef:  eventRef,
		Memo:      memo,
		Timestamp: l.now().UTC(),
		Lines:     lines,
	}
	if err := entry.Validate(); err != nil {
		l.metrics.EntriesRejected.Inc()
		return nil, err
	}
	for _, line := range lines {
		if _, err := lookupAccount(line.Account); err != nil {
			l.metrics.EntriesRejected.Inc()
			return nil, err
		}
	}

	if err := l.store.Insert(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := l.store.GetByEventRef(ctx, eventRef)
			if getErr != nil {
				return nil, fmt.Errorf("ledger: fetch existing entry for %s: %w", eventRef, getErr)
			}
			l.logger.Debug("journal entry already posted",
				zap.String("event_ref", eventRef))
			return existing, nil
		}
		return nil, fmt.Errorf("ledger: post entry: %w", err)
	}

	l.metrics.EntriesPosted.Inc()
	l.logger.Info("journal entry posted",
		zap.String("entry_id", entry.ID),
		zap.String("event_ref", eventRef),
		zap.Int("lines", len(lines)))
	return entry, nil
}

// PositionBalances aggregates per-account balances restricted to one
// position's lines. Balances are signed in the account's normal
// direction: positive means the balance sits on the normal side.
func (l *Ledger) PositionBalances(ctx context.Context, positionID string) (map[int]decimal.Decimal, error) {
	entries, err := l.store.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries for position %s: %w", positionID, err)
	}
	return sumBalances(entries, positionID), nil
}

// BalancesSince aggregates per-account balances over all entries posted
// at or after t. A zero t covers the full journal.
func (l *Ledger) BalancesSince(ctx context.Context, t time.Time) (map[int]decimal.Decimal, error) {
	entries, err := l.store.ListSince(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries since %s: %w", t, err)
	}
	return sumBalances(entries, ""), nil
}

// sumBalances folds entries into signed normal-side balances. When
// positionID is non-empty, only lines referencing it are counted.
func sumBalances(entries []*domain.JournalEntry, positionID string) map[int]decimal.Decimal {
	balances := make(map[int]decimal.Decimal)
	for _, e := range entries {
		for _, line := range e.Lines {
			if positionID != "" && line.PositionID != positionID {
				continue
			}
			acct, ok := Chart[line.Account]
			if !ok {
				continue
			}
			amt := line.Amount
			if line.Side != acct.Normal {
				amt = amt.Neg()
			}
			balances[line.Account] = balances[line.Account].Add(amt)
		}
	}
	return balances
}
