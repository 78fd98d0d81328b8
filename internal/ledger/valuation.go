package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
)

// Snapshot projects the journal into a point-in-time NAV breakdown for
// one strategy. It is a read-only projection and never mutates the
// journal.
func (l *Ledger) Snapshot(ctx context.Context, strategyID string, positionIDs []string) (*domain.ValuationSnapshot, error) {
	snap := &domain.ValuationSnapshot{
		StrategyID: strategyID,
		Timestamp:  l.now().UTC(),
	}

	realized := decimal.Zero
	for _, pid := range positionIDs {
		balances, err := l.PositionBalances(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("ledger: snapshot position %s: %w", pid, err)
		}
		snap.CostBasis = snap.CostBasis.Add(balances[domain.AccountPositionCostBasis])
		snap.AccruedFees = snap.AccruedFees.Add(balances[domain.AccountFeesReceivable])
		snap.UnrealizedPnL = snap.UnrealizedPnL.
			Add(balances[domain.AccountUnrealizedGains]).
			Sub(balances[domain.AccountUnrealizedLosses])
		realized = realized.
			Add(balances[domain.AccountRealizedGains]).
			Sub(balances[domain.AccountRealizedLosses])
	}
	snap.RealizedPnL = realized

	all, err := l.BalancesSince(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("ledger: snapshot cash: %w", err)
	}
	snap.Cash = all[domain.AccountWalletCash]

	snap.CurrentValue = snap.CostBasis.Add(snap.AccruedFees)
	snap.NAV = snap.CurrentValue.Add(snap.Cash)
	l.metrics.SnapshotsComputed.Inc()
	return snap, nil
}
