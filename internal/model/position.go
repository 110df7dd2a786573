package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserPosition is the liquidity an account holds in one bin of a pool.
type UserPosition struct {
	Chain     string          `json:"chain"`
	User      string          `json:"user"`
	Pool      string          `json:"pool"`
	BinID     uint32          `json:"bin_id"`
	AmountX   string          `json:"amount_x"`
	AmountY   string          `json:"amount_y"`
	ValueUSD  decimal.Decimal `json:"value_usd"`
	UpdatedAt time.Time       `json:"updated_at"`
}
