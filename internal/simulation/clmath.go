package simulation

import "math"

// Position parameters for concentrated-liquidity valuation. Prices are
// quoted as token1 per token0.
type PositionParams struct {
	Liquidity  float64
	PriceLower float64
	PriceUpper float64
	EntryPrice float64
}

// amounts returns the token amounts backing the position at price p,
// clamped to the active range.
func (pp PositionParams) amounts(p float64) (amount0, amount1 float64) {
	if p < pp.PriceLower {
		p = pp.PriceLower
	}
	if p > pp.PriceUpper {
		p = pp.PriceUpper
	}
	sqrtP := math.Sqrt(p)
	sqrtLower := math.Sqrt(pp.PriceLower)
	sqrtUpper := math.Sqrt(pp.PriceUpper)

	amount0 = pp.Liquidity * (1/sqrtP - 1/sqrtUpper)
	amount1 = pp.Liquidity * (sqrtP - sqrtLower)
	return amount0, amount1
}

// Value returns the position's worth in token1 terms at price p.
func (pp PositionParams) Value(p float64) float64 {
	amount0, amount1 := pp.amounts(p)
	return amount0*p + amount1
}

// PnL returns the change in value relative to the entry price.
func (pp PositionParams) PnL(p float64) float64 {
	return pp.Value(p) - pp.Value(pp.EntryPrice)
}
