package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValuationSnapshot is a point-in-time projection of a strategy's books.
// All figures derive from journal balances; the snapshot adds nothing the
// ledger does not already know.
type ValuationSnapshot struct {
	StrategyID string
	Timestamp  time.Time

	// CostBasis is the carrying value of open positions, including
	// mark-to-market adjustments already posted.
	CostBasis decimal.Decimal
	// AccruedFees is fee income earned but not yet collected.
	AccruedFees decimal.Decimal
	// RealizedPnL is the closed-out gain or loss to date.
	RealizedPnL decimal.Decimal
	// UnrealizedPnL is the mark-to-market gain or loss on open positions.
	UnrealizedPnL decimal.Decimal
	// Cash is the wallet balance attributed to the strategy.
	Cash decimal.Decimal
	// CurrentValue is CostBasis + AccruedFees.
	CurrentValue decimal.Decimal
	// NAV is CurrentValue + Cash.
	NAV decimal.Decimal
}
