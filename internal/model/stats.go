package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolStats is an immutable snapshot of a pool's live state and rolling
// activity.
type PoolStats struct {
	Chain        string          `json:"chain"`
	Pool         string          `json:"pool"`
	Timestamp    time.Time       `json:"timestamp"`
	ReserveX     string          `json:"reserve_x"`
	ReserveY     string          `json:"reserve_y"`
	ActiveBinID  uint32          `json:"active_bin_id"`
	Price        decimal.Decimal `json:"price"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	Volume7dUSD  decimal.Decimal `json:"volume_7d_usd"`
	Fees24hUSD   decimal.Decimal `json:"fees_24h_usd"`
	APY          decimal.Decimal `json:"apy"`
	SwapCount24h int64           `json:"swap_count_24h"`
}

// ChainRollup aggregates the latest pool stats of one chain.
type ChainRollup struct {
	Chain             string          `json:"chain"`
	Timestamp         time.Time       `json:"timestamp"`
	PoolCount         int             `json:"pool_count"`
	TotalLiquidityUSD decimal.Decimal `json:"total_liquidity_usd"`
	Volume24hUSD      decimal.Decimal `json:"volume_24h_usd"`
	Fees24hUSD        decimal.Decimal `json:"fees_24h_usd"`
}
