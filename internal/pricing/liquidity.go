package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Reserves describes a pool's holdings and what is known about token prices.
type Reserves struct {
	ReserveX  *big.Int
	ReserveY  *big.Int
	DecimalsX uint8
	DecimalsY uint8
	PriceX    decimal.Decimal
	PriceY    decimal.Decimal
	HasPriceX bool
	HasPriceY bool
}

// EstimateLiquidityUSD values the reserves in USD:
//   - both prices known: sum of both sides
//   - one price known: twice the priced side
//   - no prices but non-zero reserves: unpricedEstimate
//   - empty pool: zero
func EstimateLiquidityUSD(r Reserves, unpricedEstimate decimal.Decimal) decimal.Decimal {
	valueX := ToUnits(r.ReserveX, r.DecimalsX).Mul(r.PriceX)
	valueY := ToUnits(r.ReserveY, r.DecimalsY).Mul(r.PriceY)

	switch {
	case r.HasPriceX && r.HasPriceY:
		return valueX.Add(valueY)
	case r.HasPriceX:
		return valueX.Mul(decimal.NewFromInt(2))
	case r.HasPriceY:
		return valueY.Mul(decimal.NewFromInt(2))
	case nonZero(r.ReserveX) || nonZero(r.ReserveY):
		return unpricedEstimate
	default:
		return decimal.Zero
	}
}

// DeriveMissingPrice fills in one unknown side from the pool price, which
// is the price of X in units of Y.
func DeriveMissingPrice(r *Reserves, poolPrice decimal.Decimal) {
	if !poolPrice.IsPositive() {
		return
	}
	switch {
	case r.HasPriceY && !r.HasPriceX:
		r.PriceX = poolPrice.Mul(r.PriceY)
		r.HasPriceX = r.PriceX.IsPositive()
	case r.HasPriceX && !r.HasPriceY:
		r.PriceY = r.PriceX.Div(poolPrice)
		r.HasPriceY = r.PriceY.IsPositive()
	}
}

func nonZero(v *big.Int) bool {
	return v != nil && v.Sign() != 0
}
