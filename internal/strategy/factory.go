package strategy

import (
	"lpguard/internal/ledger"
	"lpguard/internal/runtime"
)

// NewRegistry builds the closed set of strategy logics. Adding a
// strategy type means adding a logic here.
func NewRegistry(l *ledger.Ledger) (*runtime.Registry, error) {
	return runtime.NewRegistry(
		NewRangeExit(l),
		NewFeeHarvest(l),
		NewPaper(),
	)
}
