package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenMeta captures ERC20 metadata.
type TokenMeta struct {
	Chain    string `json:"chain"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// UnknownToken is the metadata used when the token contract cannot be read.
func UnknownToken(chain, address string) TokenMeta {
	return TokenMeta{Chain: chain, Address: address, Decimals: 18, Symbol: "UNK", Name: "Unknown"}
}

// TokenPrice is one point of a token's USD price history.
type TokenPrice struct {
	Chain     string          `json:"chain"`
	Token     string          `json:"token"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}
