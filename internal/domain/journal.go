package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountCategory classifies a chart-of-accounts entry.
type AccountCategory string

// Account categories.
const (
	CategoryAsset     AccountCategory = "asset"
	CategoryLiability AccountCategory = "liability"
	CategoryEquity    AccountCategory = "equity"
	CategoryRevenue   AccountCategory = "revenue"
	CategoryExpense   AccountCategory = "expense"
)

// EntrySide is the debit/credit side of a journal line.
type EntrySide string

// Entry sides.
const (
	SideDebit  EntrySide = "debit"
	SideCredit EntrySide = "credit"
)

// Account is one chart-of-accounts entry. Codes are stable integers.
type Account struct {
	Code     int
	Name     string
	Category AccountCategory
	// Normal is the side on which increases are recorded.
	Normal EntrySide
}

// Chart-of-accounts codes.
const (
	AccountPositionCostBasis = 1000
	AccountFeesReceivable    = 1200
	AccountWalletCash        = 1500
	AccountPendingPayout     = 2000
	AccountCapital           = 3000
	AccountFeeIncome         = 4000
	AccountRealizedGains     = 4100
	AccountUnrealizedGains   = 4200
	AccountRealizedLosses    = 5100
	AccountUnrealizedLosses  = 5200
)

// JournalLine is one side of a balanced entry.
type JournalLine struct {
	Account    int
	Side       EntrySide
	Amount     decimal.Decimal
	Currency   string
	PositionID string
}

// JournalEntry groups balanced lines. Entries are immutable once written;
// corrections are posted as offsetting entries.
type JournalEntry struct {
	ID string
	// EventRef identifies the originating domain event so replays post
	// at most once.
	EventRef  string
	Memo      string
	Timestamp time.Time
	Lines     []JournalLine
}

// Balanced reports whether debits equal credits across all lines.
func (e *JournalEntry) Balanced() bool {
	debits := decimal.Zero
	credits := decimal.Zero
	for _, l := range e.Lines {
		switch l.Side {
		case SideDebit:
			debits = debits.Add(l.Amount)
		case SideCredit:
			credits = credits.Add(l.Amount)
		}
	}
	return debits.Equal(credits)
}

// Validate checks structural and balance invariants.
func (e *JournalEntry) Validate() error {
	if e.EventRef == "" {
		return fmt.Errorf("%w: journal entry missing event ref", ErrValidation)
	}
	if len(e.Lines) == 0 {
		return fmt.Errorf("%w: journal entry has no lines", ErrValidation)
	}
	for i, l := range e.Lines {
		if l.Side != SideDebit && l.Side != SideCredit {
			return fmt.Errorf("%w: line %d has unknown side %q", ErrValidation, i, l.Side)
		}
		if l.Amount.IsNegative() {
			return fmt.Errorf("%w: line %d has negative amount", ErrValidation, i)
		}
	}
	if !e.Balanced() {
		return fmt.Errorf("%w: journal entry is not balanced", ErrValidation)
	}
	return nil
}
