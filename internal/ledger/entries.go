package ledger

import (
	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
)

// Entry builders translate domain happenings into balanced line sets.
// Amounts are always non-negative; direction is carried by the accounts.

// DepositLines records capital arriving in the wallet.
func DepositLines(amount decimal.Decimal, currency string) []domain.JournalLine {
	return []domain.JournalLine{
		{Account: domain.AccountWalletCash, Side: domain.SideDebit, Amount: amount, Currency: currency},
		{Account: domain.AccountCapital, Side: domain.SideCredit, Amount: amount, Currency: currency},
	}
}

// OpenPositionLines records capital moving from cash into a position's
// cost basis.
func OpenPositionLines(positionID string, amount decimal.Decimal, currency string) []domain.JournalLine {
	return []domain.JournalLine{
		{Account: domain.AccountPositionCostBasis, Side: domain.SideDebit, Amount: amount, Currency: currency, PositionID: positionID},
		{Account: domain.AccountWalletCash, Side: domain.SideCredit, Amount: amount, Currency: currency},
	}
}

// AccrueFeesLines records fees earned but not yet collected.
func AccrueFeesLines(positionID string, amount decimal.Decimal, currency string) []domain.JournalLine {
	return []domain.JournalLine{
		{Account: domain.AccountFeesReceivable, Side: domain.SideDebit, Amount: amount, Currency: currency, PositionID: positionID},
		{Account: domain.AccountFeeIncome, Side: domain.SideCredit, Amount: amount, Currency: currency, PositionID: positionID},
	}
}

// CollectFeesLines records previously accrued fees landing in the wallet.
func CollectFeesLines(positionID string, amount decimal.Decimal, currency string) []domain.JournalLine {
	return []domain.JournalLine{
		{Account: domain.AccountWalletCash, Side: domain.SideDebit, Amount: amount, Currency: currency},
		{Account: domain.AccountFeesReceivable, Side: domain.SideCredit, Amount: amount, Currency: currency, PositionID: positionID},
	}
}

// MarkToMarketLines records an unrealized gain or loss against a
// position's carrying value. pnl may be negative.
func MarkToMarketLines(positionID string, pnl decimal.Decimal, currency string) []domain.JournalLine {
	if pnl.IsNegative() {
		loss := pnl.Neg()
		return []domain.JournalLine{
			{Account: domain.AccountUnrealizedLosses, Side: domain.SideDebit, Amount: loss, Currency: currency, PositionID: positionID},
			{Account: domain.AccountPositionCostBasis, Side: domain.SideCredit, Amount: loss, Currency: currency, PositionID: positionID},
		}
	}
	return []domain.JournalLine{
		{Account: domain.AccountPositionCostBasis, Side: domain.SideDebit, Amount: pnl, Currency: currency, PositionID: positionID},
		{Account: domain.AccountUnrealizedGains, Side: domain.SideCredit, Amount: pnl, Currency: currency, PositionID: positionID},
	}
}

// ClosePositionLines records a position exit: the carrying value leaves
// the books, proceeds land in cash, and the difference is realized.
func ClosePositionLines(positionID string, carrying, proceeds decimal.Decimal, currency string) []domain.JournalLine {
	lines := []domain.JournalLine{
		{Account: domain.AccountWalletCash, Side: domain.SideDebit, Amount: proceeds, Currency: currency},
		{Account: domain.AccountPositionCostBasis, Side: domain.SideCredit, Amount: carrying, Currency: currency, PositionID: positionID},
	}
	diff := proceeds.Sub(carrying)
	switch {
	case diff.IsPositive():
		lines = append(lines, domain.JournalLine{
			Account: domain.AccountRealizedGains, Side: domain.SideCredit, Amount: diff, Currency: currency, PositionID: positionID,
		})
	case diff.IsNegative():
		lines = append(lines, domain.JournalLine{
			Account: domain.AccountRealizedLosses, Side: domain.SideDebit, Amount: diff.Neg(), Currency: currency, PositionID: positionID,
		})
	}
	return lines
}

// PayoutLines records proceeds owed to the position owner leaving cash.
func PayoutLines(amount decimal.Decimal, currency string) []domain.JournalLine {
	return []domain.JournalLine{
		{Account: domain.AccountPendingPayout, Side: domain.SideDebit, Amount: amount, Currency: currency},
		{Account: domain.AccountWalletCash, Side: domain.SideCredit, Amount: amount, Currency: currency},
	}
}
