// Package poolmath implements the concentrated-liquidity fee accounting
// identities over raw on-chain accumulators. All arithmetic is modulo
// 2^256, matching contract semantics; accumulator wraparound is expected
// and the identities remain exact across it.
package poolmath

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Q128 is the fixed-point scale of fee growth accumulators (2^128).
var Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

// SafeDiff returns a - b modulo 2^256. When b > a the subtraction wraps,
// which is the correct reading of accumulator deltas across overflow.
func SafeDiff(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sub(a, b)
}

// FeeGrowthOutside holds the per-boundary outside accumulators for one
// token of a position's tick range.
type FeeGrowthOutside struct {
	Lower *uint256.Int
	Upper *uint256.Int
}

// FeeGrowthInside computes the fee growth inside [tickLower, tickUpper)
// for one token, given the global accumulator and the two boundary
// outside accumulators, at the current tick.
//
// The three branches follow the tick position:
//
//	tickCurrent in range:  global - outsideLower - outsideUpper
//	tickCurrent below:     outsideLower - outsideUpper
//	tickCurrent above:     outsideUpper - outsideLower
func FeeGrowthInside(global *uint256.Int, outside FeeGrowthOutside, tickLower, tickUpper, tickCurrent int32) *uint256.Int {
	switch {
	case tickCurrent < tickLower:
		return SafeDiff(outside.Lower, outside.Upper)
	case tickCurrent >= tickUpper:
		return SafeDiff(outside.Upper, outside.Lower)
	default:
		inside := SafeDiff(global, outside.Lower)
		return inside.Sub(inside, outside.Upper)
	}
}

// IncrementalFees converts a fee-growth-inside delta into token units for
// a position with the given liquidity:
//
//	floor(liquidity * delta / 2^128) mod 2^256
//
// The multiply is done at full width before the shift so no precision is
// lost; the final value wraps modulo 2^256 like the contracts do.
func IncrementalFees(liquidity, delta *uint256.Int) *uint256.Int {
	product := new(big.Int).Mul(liquidity.ToBig(), delta.ToBig())
	product.Rsh(product, 128)
	out := new(uint256.Int)
	out.SetFromBig(product) // wraps mod 2^256
	return out
}

// PositionFeeState is the snapshot a funding observation is diffed
// against. FeeGrowthInsideLast is the inside value at the previous
// observation; TokensOwed accumulates uncollected fees.
type PositionFeeState struct {
	Liquidity            *uint256.Int
	FeeGrowthInside0Last *uint256.Int
	FeeGrowthInside1Last *uint256.Int
	TokensOwed0          *uint256.Int
	TokensOwed1          *uint256.Int
}

// FundingInputs bundles one funding observation for both tokens.
type FundingInputs struct {
	TickLower   int32
	TickUpper   int32
	TickCurrent int32

	Global0  *uint256.Int
	Global1  *uint256.Int
	Outside0 FeeGrowthOutside
	Outside1 FeeGrowthOutside
}

// FundingResult reports the incremental fees earned since the last
// observation and the new inside accumulators to persist.
type FundingResult struct {
	Earned0 *uint256.Int
	Earned1 *uint256.Int

	FeeGrowthInside0 *uint256.Int
	FeeGrowthInside1 *uint256.Int
}

// ApplyFunding computes both tokens' incremental fees for one funding
// observation against the prior snapshot. It does not mutate state.
func ApplyFunding(state PositionFeeState, in FundingInputs) FundingResult {
	inside0 := FeeGrowthInside(in.Global0, in.Outside0, in.TickLower, in.TickUpper, in.TickCurrent)
	inside1 := FeeGrowthInside(in.Global1, in.Outside1, in.TickLower, in.TickUpper, in.TickCurrent)

	delta0 := SafeDiff(inside0, state.FeeGrowthInside0Last)
	delta1 := SafeDiff(inside1, state.FeeGrowthInside1Last)

	return FundingResult{
		Earned0:          IncrementalFees(state.Liquidity, delta0),
		Earned1:          IncrementalFees(state.Liquidity, delta1),
		FeeGrowthInside0: inside0,
		FeeGrowthInside1: inside1,
	}
}
