package model

import "time"

// PoolStatus is the lifecycle flag of a registered pool.
type PoolStatus string

const (
	PoolActive   PoolStatus = "active"
	PoolInactive PoolStatus = "inactive"
)

// Pool is a registered Liquidity Book pair. Address is unique per chain.
type Pool struct {
	Chain     string     `json:"chain"`
	Address   string     `json:"address"`
	TokenX    string     `json:"token_x"`
	TokenY    string     `json:"token_y"`
	BinStep   uint32     `json:"bin_step"`
	Name      string     `json:"name"`
	Status    PoolStatus `json:"status"`
	Version   string     `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PoolName builds the display name used for discovered pools.
func PoolName(symbolX, symbolY string) string {
	return symbolX + "/" + symbolY
}
