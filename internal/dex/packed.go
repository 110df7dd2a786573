package dex

import "math/big"

var mask128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// DecodePacked splits a bytes32 holding two uint128 values. X is stored in
// the low 128 bits and Y in the high 128 bits.
func DecodePacked(packed [32]byte) (x, y *big.Int) {
	v := new(big.Int).SetBytes(packed[:])
	x = new(big.Int).And(v, mask128)
	y = new(big.Int).Rsh(v, 128)
	return x, y
}

// PackAmounts is the inverse of DecodePacked. Values wider than 128 bits are
// truncated.
func PackAmounts(x, y *big.Int) [32]byte {
	v := new(big.Int).Lsh(new(big.Int).And(y, mask128), 128)
	v.Or(v, new(big.Int).And(x, mask128))
	var out [32]byte
	v.FillBytes(out[:])
	return out
}
