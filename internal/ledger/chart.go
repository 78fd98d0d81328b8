// Package ledger records every cash-flow-affecting event as a balanced
// double-entry journal entry and projects account balances into valuation
// snapshots. Entries are append-only; corrections are posted as
// offsetting entries.
package ledger

import (
	"fmt"

	"lpguard/internal/domain"
)

// Chart is the fixed chart of accounts. Codes are stable integers; the
// normal side is the side on which an account's balance increases.
var Chart = map[int]domain.Account{
	domain.AccountPositionCostBasis: {Code: domain.AccountPositionCostBasis, Name: "position cost basis", Category: domain.CategoryAsset, Normal: domain.SideDebit},
	domain.AccountFeesReceivable:    {Code: domain.AccountFeesReceivable, Name: "fees receivable", Category: domain.CategoryAsset, Normal: domain.SideDebit},
	domain.AccountWalletCash:        {Code: domain.AccountWalletCash, Name: "wallet cash", Category: domain.CategoryAsset, Normal: domain.SideDebit},
	domain.AccountPendingPayout:     {Code: domain.AccountPendingPayout, Name: "pending payouts", Category: domain.CategoryLiability, Normal: domain.SideCredit},
	domain.AccountCapital:           {Code: domain.AccountCapital, Name: "contributed capital", Category: domain.CategoryEquity, Normal: domain.SideCredit},
	domain.AccountFeeIncome:         {Code: domain.AccountFeeIncome, Name: "fee income", Category: domain.CategoryRevenue, Normal: domain.SideCredit},
	domain.AccountRealizedGains:     {Code: domain.AccountRealizedGains, Name: "realized gains", Category: domain.CategoryRevenue, Normal: domain.SideCredit},
	domain.AccountUnrealizedGains:   {Code: domain.AccountUnrealizedGains, Name: "unrealized gains", Category: domain.CategoryRevenue, Normal: domain.SideCredit},
	domain.AccountRealizedLosses:    {Code: domain.AccountRealizedLosses, Name: "realized losses", Category: domain.CategoryExpense, Normal: domain.SideDebit},
	domain.AccountUnrealizedLosses:  {Code: domain.AccountUnrealizedLosses, Name: "unrealized losses", Category: domain.CategoryExpense, Normal: domain.SideDebit},
}

// lookupAccount resolves a code against the chart.
func lookupAccount(code int) (domain.Account, error) {
	a, ok := Chart[code]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: unknown account code %d", domain.ErrValidation, code)
	}
	return a, nil
}
