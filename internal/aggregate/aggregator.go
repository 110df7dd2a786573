package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/pricing"
	"lbsync/internal/storage"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Config controls aggregation behavior.
type Config struct {
	Chain            string
	UnpricedEstimate decimal.Decimal
}

// Store is the persistence surface the aggregator reads and writes.
type Store interface {
	storage.PoolStore
	storage.TokenStore
	storage.EventStore
	storage.PositionStore
	storage.StatsStore
	storage.PriceStore
}

// StatsSink mirrors snapshots into an analytical store.
type StatsSink interface {
	WritePoolStats(ctx context.Context, stats []model.PoolStats) error
	WriteRollup(ctx context.Context, rollup model.ChainRollup) error
}

// PriceWriter receives freshly resolved prices, typically a cache.
type PriceWriter interface {
	Put(ctx context.Context, chain, token string, price decimal.Decimal) error
}

// Aggregator derives pool statistics, rollups, position values and token
// prices from chain state and persisted events.
type Aggregator struct {
	cfg    Config
	reader chain.Reader
	store  Store
	prices pricing.Lookup
	ref    pricing.Lookup
	tokens *tokenResolver
	sink   StatsSink
	cache  PriceWriter
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Aggregator)

func WithStatsSink(sink StatsSink) Option {
	return func(a *Aggregator) { a.sink = sink }
}

func WithPriceWriter(w PriceWriter) Option {
	return func(a *Aggregator) { a.cache = w }
}

// WithReferencePrices sets the lookup RefreshTokenPrices trusts as a
// primary source. It must not read back recorded history, otherwise a
// derived price is re-recorded as looked up and never re-derived.
func WithReferencePrices(l pricing.Lookup) Option {
	return func(a *Aggregator) { a.ref = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(cfg Config, reader chain.Reader, store Store, prices pricing.Lookup, logger *zap.Logger, opts ...Option) (*Aggregator, error) {
	if reader == nil {
		return nil, fmt.Errorf("chain reader is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain name is required")
	}
	if cfg.UnpricedEstimate.IsZero() {
		cfg.UnpricedEstimate = decimal.NewFromInt(1)
	}
	if prices == nil {
		prices = pricing.Chain{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "aggregate"), zap.String("chain", cfg.Chain))

	a := &Aggregator{
		cfg:    cfg,
		reader: reader,
		store:  store,
		prices: prices,
		tokens: newTokenResolver(cfg.Chain, reader, store, logger),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ref == nil {
		a.ref = prices
	}
	return a, nil
}

func (a *Aggregator) Chain() string { return a.cfg.Chain }

// RefreshPoolStats reads the pool's live reserves and active bin, combines
// them with the persisted swaps of the last 24 hours and 7 days and writes
// one PoolStats snapshot.
func (a *Aggregator) RefreshPoolStats(ctx context.Context, pool model.Pool) (model.PoolStats, error) {
	if !common.IsHexAddress(pool.Address) {
		return model.PoolStats{}, fmt.Errorf("%w: invalid pool address %q", storage.ErrInvalidInput, pool.Address)
	}
	now := a.now().UTC()

	state, err := dex.ReadPairState(ctx, a.reader, common.HexToAddress(pool.Address), nil)
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("read pair state %s: %w", pool.Address, err)
	}
	tokenX := a.tokens.resolve(ctx, pool.TokenX)
	tokenY := a.tokens.resolve(ctx, pool.TokenY)

	price := pricing.BinPrice(state.ActiveID, pool.BinStep, tokenX.Decimals, tokenY.Decimals)
	reserves := pricing.Reserves{
		ReserveX:  state.ReserveX,
		ReserveY:  state.ReserveY,
		DecimalsX: tokenX.Decimals,
		DecimalsY: tokenY.Decimals,
	}
	reserves.PriceX, reserves.HasPriceX = a.prices.PriceUSD(ctx, pool.Chain, pool.TokenX)
	reserves.PriceY, reserves.HasPriceY = a.prices.PriceUSD(ctx, pool.Chain, pool.TokenY)
	// Liquidity is estimated exactly as discovery does, before the bin price
	// fills in a missing side; the derived side only values volume and fees.
	liquidity := pricing.EstimateLiquidityUSD(reserves, a.cfg.UnpricedEstimate)
	pricing.DeriveMissingPrice(&reserves, price)

	daily, err := a.store.SwapTotals(ctx, pool.Chain, pool.Address, now.Add(-day))
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("swap totals 24h: %w", err)
	}
	weekly, err := a.store.SwapTotals(ctx, pool.Chain, pool.Address, now.Add(-week))
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("swap totals 7d: %w", err)
	}

	fees24h := usdValue(daily.FeesX, daily.FeesY, reserves)

	stats := model.PoolStats{
		Chain:        pool.Chain,
		Pool:         pool.Address,
		Timestamp:    now,
		ReserveX:     bigString(state.ReserveX),
		ReserveY:     bigString(state.ReserveY),
		ActiveBinID:  state.ActiveID,
		Price:        price,
		LiquidityUSD: liquidity,
		Volume24hUSD: usdValue(daily.AmountInX, daily.AmountInY, reserves),
		Volume7dUSD:  usdValue(weekly.AmountInX, weekly.AmountInY, reserves),
		Fees24hUSD:   fees24h,
		APY:          computeAPY(fees24h, liquidity),
		SwapCount24h: daily.Count,
	}

	if err := a.store.InsertPoolStats(ctx, stats); err != nil {
		return model.PoolStats{}, fmt.Errorf("insert pool stats: %w", err)
	}
	if a.sink != nil {
		if err := a.sink.WritePoolStats(ctx, []model.PoolStats{stats}); err != nil {
			a.logger.Warn("mirror pool stats failed", zap.String("pool", pool.Address), zap.Error(err))
		}
	}

	a.logger.Debug("pool stats refreshed",
		zap.String("pool", pool.Address),
		zap.Uint32("active_id", state.ActiveID),
		zap.String("reserve_x", formatTokenAmount(state.ReserveX, tokenX.Decimals)),
		zap.String("reserve_y", formatTokenAmount(state.ReserveY, tokenY.Decimals)),
		zap.String("price", price.String()),
		zap.String("liquidity_usd", liquidity.StringFixed(2)),
		zap.Int64("swaps_24h", daily.Count))
	return stats, nil
}

// Rollup sums the given snapshots into one chain-level record.
func (a *Aggregator) Rollup(ctx context.Context, stats []model.PoolStats) (model.ChainRollup, error) {
	rollup := model.ChainRollup{
		Chain:             a.cfg.Chain,
		Timestamp:         a.now().UTC(),
		TotalLiquidityUSD: decimal.Zero,
		Volume24hUSD:      decimal.Zero,
		Fees24hUSD:        decimal.Zero,
	}
	for _, s := range stats {
		if s.Chain != a.cfg.Chain {
			continue
		}
		rollup.PoolCount++
		rollup.TotalLiquidityUSD = rollup.TotalLiquidityUSD.Add(s.LiquidityUSD)
		rollup.Volume24hUSD = rollup.Volume24hUSD.Add(s.Volume24hUSD)
		rollup.Fees24hUSD = rollup.Fees24hUSD.Add(s.Fees24hUSD)
	}

	if err := a.store.InsertRollup(ctx, rollup); err != nil {
		return model.ChainRollup{}, fmt.Errorf("insert rollup: %w", err)
	}
	if a.sink != nil {
		if err := a.sink.WriteRollup(ctx, rollup); err != nil {
			a.logger.Warn("mirror rollup failed", zap.Error(err))
		}
	}

	a.logger.Info("chain rollup",
		zap.Int("pools", rollup.PoolCount),
		zap.String("liquidity_usd", rollup.TotalLiquidityUSD.StringFixed(2)),
		zap.String("volume_24h_usd", rollup.Volume24hUSD.StringFixed(2)))
	return rollup, nil
}
