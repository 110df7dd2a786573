package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lbsync/internal/model"
	"lbsync/internal/pricing"
	"lbsync/internal/storage"
)

// Price sources recorded in price history.
const (
	SourceLookup  = "lookup"
	SourceDerived = "derived"
)

// RefreshTokenPrices resolves a USD price for every token of the given
// pools and appends it to price history. Tokens the reference lookup cannot
// price are derived again on every pass from the latest price of a pool
// whose other side is priced. It returns the number of prices recorded.
func (a *Aggregator) RefreshTokenPrices(ctx context.Context, pools []model.Pool) (int, error) {
	now := a.now().UTC()
	known := make(map[string]decimal.Decimal)
	var unpriced []string
	seen := make(map[string]bool)

	for _, pool := range pools {
		if pool.Chain != a.cfg.Chain {
			continue
		}
		for _, token := range []string{pool.TokenX, pool.TokenY} {
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			if price, ok := a.ref.PriceUSD(ctx, a.cfg.Chain, token); ok {
				known[token] = price
			} else {
				unpriced = append(unpriced, token)
			}
		}
	}

	recorded := 0
	for token, price := range known {
		if err := a.recordPrice(ctx, token, price, SourceLookup, now); err != nil {
			return recorded, err
		}
		recorded++
	}

	for _, token := range unpriced {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}
		price, ok, err := a.derivePrice(ctx, token, pools, known)
		if err != nil {
			return recorded, err
		}
		if !ok {
			a.logger.Debug("no price for token", zap.String("token", token))
			continue
		}
		known[token] = price
		if err := a.recordPrice(ctx, token, price, SourceDerived, now); err != nil {
			return recorded, err
		}
		recorded++
	}

	a.logger.Info("token prices refreshed",
		zap.Int("tokens", len(seen)),
		zap.Int("recorded", recorded),
		zap.Int("unpriced", len(seen)-recorded))
	return recorded, nil
}

func (a *Aggregator) derivePrice(ctx context.Context, token string, pools []model.Pool, known map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	for _, pool := range pools {
		if pool.Chain != a.cfg.Chain {
			continue
		}
		var counterpart string
		switch token {
		case pool.TokenX:
			counterpart = pool.TokenY
		case pool.TokenY:
			counterpart = pool.TokenX
		default:
			continue
		}
		other, ok := known[counterpart]
		if !ok {
			continue
		}

		stats, err := a.store.LatestPoolStats(ctx, pool.Chain, pool.Address)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("latest stats %s: %w", pool.Address, err)
		}
		if !stats.Price.IsPositive() {
			continue
		}

		r := pricing.Reserves{}
		if token == pool.TokenX {
			r.PriceY, r.HasPriceY = other, true
		} else {
			r.PriceX, r.HasPriceX = other, true
		}
		pricing.DeriveMissingPrice(&r, stats.Price)
		if token == pool.TokenX && r.HasPriceX {
			return r.PriceX, true, nil
		}
		if token == pool.TokenY && r.HasPriceY {
			return r.PriceY, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func (a *Aggregator) recordPrice(ctx context.Context, token string, price decimal.Decimal, source string, now time.Time) error {
	if err := pricing.Record(ctx, a.store, a.cfg.Chain, token, price, source, now); err != nil {
		return fmt.Errorf("record price %s: %w", token, err)
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, a.cfg.Chain, token, price); err != nil {
			a.logger.Debug("warm price cache", zap.String("token", token), zap.Error(err))
		}
	}
	return nil
}
