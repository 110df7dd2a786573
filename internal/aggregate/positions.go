package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lbsync/internal/pricing"
	"lbsync/internal/storage"
)

// RevaluePositions recomputes the USD value of positions touched since the
// given time and returns how many were updated.
func (a *Aggregator) RevaluePositions(ctx context.Context, since time.Time) (int, error) {
	positions, err := a.store.PositionsUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("positions since %s: %w", since.Format(time.RFC3339), err)
	}

	pools := make(map[string]*pricing.Reserves)
	updated := 0
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if pos.Chain != a.cfg.Chain {
			continue
		}
		r, ok := pools[pos.Pool]
		if !ok {
			r, err = a.poolPricing(ctx, pos.Chain, pos.Pool)
			if err != nil {
				a.logger.Warn("position pricing", zap.String("pool", pos.Pool), zap.Error(err))
			}
			pools[pos.Pool] = r
		}
		if r == nil {
			continue
		}

		value := usdValue(parseAmount(pos.AmountX), parseAmount(pos.AmountY), *r)
		if err := a.store.SetPositionValue(ctx, pos, value); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return updated, fmt.Errorf("set position value: %w", err)
		}
		updated++
	}

	a.logger.Info("positions revalued", zap.Int("positions", updated), zap.Int("pools", len(pools)))
	return updated, nil
}

// poolPricing returns the decimals and USD prices of a pool's tokens. A
// missing side is derived from the latest pool price.
func (a *Aggregator) poolPricing(ctx context.Context, chainName, address string) (*pricing.Reserves, error) {
	pool, err := a.store.GetPool(ctx, chainName, address)
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	tokenX := a.tokens.resolve(ctx, pool.TokenX)
	tokenY := a.tokens.resolve(ctx, pool.TokenY)

	r := &pricing.Reserves{DecimalsX: tokenX.Decimals, DecimalsY: tokenY.Decimals}
	r.PriceX, r.HasPriceX = a.prices.PriceUSD(ctx, chainName, pool.TokenX)
	r.PriceY, r.HasPriceY = a.prices.PriceUSD(ctx, chainName, pool.TokenY)
	if r.HasPriceX != r.HasPriceY {
		if stats, err := a.store.LatestPoolStats(ctx, chainName, address); err == nil {
			pricing.DeriveMissingPrice(r, stats.Price)
		}
	}
	return r, nil
}
