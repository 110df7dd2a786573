package aggregate

import (
	"math/big"

	"github.com/shopspring/decimal"

	"lbsync/internal/pricing"
)

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

func formatTokenAmount(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	if decimals == 0 {
		return value.String()
	}
	sign := value.Sign()
	abs := new(big.Int).Abs(value)
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(abs, denom)
	text := rat.FloatString(int(decimals))
	if sign < 0 {
		return "-" + text
	}
	return text
}

// computeAPY annualizes a day of fees against liquidity, in percent. Zero
// liquidity yields zero.
func computeAPY(fees24h, liquidityUSD decimal.Decimal) decimal.Decimal {
	if !liquidityUSD.IsPositive() {
		return decimal.Zero
	}
	return fees24h.Mul(daysPerYear).Div(liquidityUSD).Mul(hundred)
}

// usdValue prices raw X and Y amounts with whatever prices are known.
func usdValue(x, y *big.Int, r pricing.Reserves) decimal.Decimal {
	total := decimal.Zero
	if r.HasPriceX {
		total = total.Add(pricing.ToUnits(x, r.DecimalsX).Mul(r.PriceX))
	}
	if r.HasPriceY {
		total = total.Add(pricing.ToUnits(y, r.DecimalsY).Mul(r.PriceY))
	}
	return total
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
