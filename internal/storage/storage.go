package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"lbsync/internal/model"
)

// PoolStore persists the pool registry. Pools are never hard-deleted.
type PoolStore interface {
	// InsertPool registers a pool. It returns false when the address is
	// already registered on the chain.
	InsertPool(ctx context.Context, pool model.Pool) (bool, error)
	GetPool(ctx context.Context, chain, address string) (model.Pool, error)
	PoolExists(ctx context.Context, chain, address string) (bool, error)
	// ListPools returns pools of a chain with the given status. An empty
	// status matches every pool.
	ListPools(ctx context.Context, chain string, status model.PoolStatus) ([]model.Pool, error)
	CountPools(ctx context.Context, chain string) (int, error)
	SetPoolStatus(ctx context.Context, chain, address string, status model.PoolStatus) error
}

// TokenStore persists ERC20 metadata.
type TokenStore interface {
	UpsertToken(ctx context.Context, token model.TokenMeta) error
	GetToken(ctx context.Context, chain, address string) (model.TokenMeta, error)
}

// CursorStore persists sync cursors keyed by (chain, contract, event type).
type CursorStore interface {
	// GetCursor returns the cursor and whether it exists.
	GetCursor(ctx context.Context, chain, contract string, eventType model.EventType) (model.SyncCursor, bool, error)
	// SaveCursor stores the cursor. A cursor never moves backwards; saving
	// an older position is a no-op.
	SaveCursor(ctx context.Context, cursor model.SyncCursor) error
}

// EventStore persists decoded pool events.
type EventStore interface {
	// InsertSwap stores a swap if (chain, tx hash, log index) is new.
	InsertSwap(ctx context.Context, ev model.SwapEvent) (bool, error)
	// InsertLiquidity stores a liquidity event if it is new and, in the same
	// transaction, applies its position deltas. Replayed events change
	// nothing.
	InsertLiquidity(ctx context.Context, ev model.LiquidityEvent) (bool, error)
	SwapTotals(ctx context.Context, chain, pool string, since time.Time) (model.SwapTotals, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// PositionStore reads and values user positions.
type PositionStore interface {
	GetPosition(ctx context.Context, chain, user, pool string, binID uint32) (model.UserPosition, error)
	ListPositions(ctx context.Context, chain, user string) ([]model.UserPosition, error)
	PositionsUpdatedSince(ctx context.Context, since time.Time) ([]model.UserPosition, error)
	SetPositionValue(ctx context.Context, pos model.UserPosition, valueUSD decimal.Decimal) error
}

// StatsStore persists pool snapshots and chain rollups.
type StatsStore interface {
	InsertPoolStats(ctx context.Context, stats model.PoolStats) error
	LatestPoolStats(ctx context.Context, chain, pool string) (model.PoolStats, error)
	InsertRollup(ctx context.Context, rollup model.ChainRollup) error
	LatestRollup(ctx context.Context, chain string) (model.ChainRollup, error)
	PruneStats(ctx context.Context, before time.Time) (int64, error)
}

// PriceStore persists token price history.
type PriceStore interface {
	InsertPrice(ctx context.Context, price model.TokenPrice) error
	LatestPrice(ctx context.Context, chain, token string) (model.TokenPrice, error)
	PrunePrices(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the sync engine.
type Store interface {
	PoolStore
	TokenStore
	CursorStore
	EventStore
	PositionStore
	StatsStore
	PriceStore

	Ping(ctx context.Context) error
	Close()
}

// PruneAll removes events, stats and prices older than before and returns
// the number of rows deleted.
func PruneAll(ctx context.Context, s Store, before time.Time) (int64, error) {
	var total int64
	n, err := s.PruneEvents(ctx, before)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.PruneStats(ctx, before)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.PrunePrices(ctx, before)
	if err != nil {
		return total, err
	}
	return total + n, nil
}
