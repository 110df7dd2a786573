package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// IDOffset is the bin id that corresponds to a price of exactly 1.
const IDOffset = 1 << 23

var (
	idOffsetBig = big.NewInt(IDOffset)
	idOffsetDec = decimal.NewFromInt(IDOffset)
)

// RawBinPrice returns 2^23 + binStep*(activeID - 2^23), the bin price
// scaled by 2^23 before decimal adjustment. It may be zero or negative for
// bins far below the offset.
func RawBinPrice(activeID, binStep uint32) *big.Int {
	realID := new(big.Int).Sub(big.NewInt(int64(activeID)), idOffsetBig)
	raw := new(big.Int).Mul(big.NewInt(int64(binStep)), realID)
	return raw.Add(raw, idOffsetBig)
}

// BinPrice is the price of X in units of Y for the active bin, adjusted by
// 10^(decimalsX-decimalsY). Non-positive raw prices yield zero.
func BinPrice(activeID, binStep uint32, decimalsX, decimalsY uint8) decimal.Decimal {
	raw := RawBinPrice(activeID, binStep)
	if raw.Sign() <= 0 {
		return decimal.Zero
	}
	price := decimal.NewFromBigInt(raw, 0).Div(idOffsetDec)
	return price.Shift(int32(decimalsX) - int32(decimalsY))
}

// ToUnits converts a raw integer token amount into whole-token units.
func ToUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
