package pricing

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRawBinPriceAroundOffset(t *testing.T) {
	assert.Equal(t, int64(8388608), RawBinPrice(IDOffset, 25).Int64())
	assert.Equal(t, int64(8388633), RawBinPrice(IDOffset+1, 25).Int64())
	assert.Equal(t, int64(8388583), RawBinPrice(IDOffset-1, 25).Int64())
}

func TestBinPrice(t *testing.T) {
	assert.True(t, BinPrice(IDOffset, 25, 18, 18).Equal(decimal.NewFromInt(1)))

	up := BinPrice(IDOffset+1, 25, 18, 18).InexactFloat64()
	assert.InDelta(t, 1.0000029802, up, 1e-9)

	down := BinPrice(IDOffset-1, 25, 18, 18).InexactFloat64()
	assert.InDelta(t, 0.9999970198, down, 1e-9)
}

func TestBinPriceDecimalAdjustment(t *testing.T) {
	// 18-decimal X against 6-decimal Y scales by 10^12.
	got := BinPrice(IDOffset, 10, 18, 6)
	assert.True(t, got.Equal(decimal.New(1, 12)), "got %s", got)

	got = BinPrice(IDOffset, 10, 6, 18)
	assert.True(t, got.Equal(decimal.New(1, -12)), "got %s", got)
}

func TestBinPriceClampsNonPositive(t *testing.T) {
	assert.True(t, RawBinPrice(0, 25).Sign() < 0)
	assert.True(t, BinPrice(0, 25, 18, 18).IsZero())
}

func TestToUnits(t *testing.T) {
	raw, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.True(t, ToUnits(raw, 18).Equal(decimal.RequireFromString("1.5")))
	assert.True(t, ToUnits(nil, 18).IsZero())
}
