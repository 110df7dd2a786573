package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lbsync/internal/model"
	"lbsync/internal/storage"
)

// Lookup resolves the USD price of a token. ok is false when the price is
// unknown.
type Lookup interface {
	PriceUSD(ctx context.Context, chain, token string) (price decimal.Decimal, ok bool)
}

// StaticTable is a fixed price table keyed by chain and lower-cased token
// address.
type StaticTable struct {
	prices map[string]map[string]decimal.Decimal
}

// NewStaticTable builds a table from chain -> token -> price.
func NewStaticTable(prices map[string]map[string]decimal.Decimal) *StaticTable {
	t := &StaticTable{prices: make(map[string]map[string]decimal.Decimal)}
	for chain, tokens := range prices {
		for token, price := range tokens {
			t.Set(chain, token, price)
		}
	}
	return t
}

// Set adds or replaces a price.
func (t *StaticTable) Set(chain, token string, price decimal.Decimal) {
	if t.prices[chain] == nil {
		t.prices[chain] = make(map[string]decimal.Decimal)
	}
	t.prices[chain][strings.ToLower(token)] = price
}

func (t *StaticTable) PriceUSD(_ context.Context, chain, token string) (decimal.Decimal, bool) {
	price, ok := t.prices[chain][strings.ToLower(token)]
	if !ok || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// DefaultBSCPrices returns reference prices for the major BSC tokens.
func DefaultBSCPrices() map[string]map[string]decimal.Decimal {
	usd := decimal.NewFromInt(1)
	return map[string]map[string]decimal.Decimal{
		"bsc": {
			"0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c": decimal.NewFromInt(600),   // WBNB
			"0x55d398326f99059ff775485246999027b3197955": usd,                       // USDT
			"0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d": usd,                       // USDC
			"0xe9e7cea3dedca5984780bafc599bd69add087d56": usd,                       // BUSD
			"0x7130d2a12b9bcbfae4f2634d864a1ee1ce3ead9c": decimal.NewFromInt(65000), // BTCB
			"0x2170ed0880ac9a755fd29b2688956bd959f933f8": decimal.NewFromInt(3000),  // ETH
			"0x0e09fabb73bd3ade0a17ecc321fd13a19e81ce82": decimal.NewFromInt(2),     // CAKE
		},
		"bsc-testnet": {
			"0xae13d989dac2f0debff460ac112a837c89baa7cd": decimal.NewFromInt(600), // WBNB
		},
	}
}

// Chain tries each lookup in order and returns the first known price.
type Chain []Lookup

func (c Chain) PriceUSD(ctx context.Context, chain, token string) (decimal.Decimal, bool) {
	for _, l := range c {
		if l == nil {
			continue
		}
		if price, ok := l.PriceUSD(ctx, chain, token); ok {
			return price, true
		}
	}
	return decimal.Zero, false
}

// StoreLookup serves the latest recorded price from price history when it
// is younger than MaxAge.
type StoreLookup struct {
	store  storage.PriceStore
	maxAge time.Duration
	now    func() time.Time
}

func NewStoreLookup(store storage.PriceStore, maxAge time.Duration) *StoreLookup {
	return &StoreLookup{store: store, maxAge: maxAge, now: time.Now}
}

func (s *StoreLookup) PriceUSD(ctx context.Context, chain, token string) (decimal.Decimal, bool) {
	price, err := s.store.LatestPrice(ctx, chain, token)
	if err != nil {
		return decimal.Zero, false
	}
	if s.maxAge > 0 && s.now().Sub(price.Timestamp) > s.maxAge {
		return decimal.Zero, false
	}
	if !price.PriceUSD.IsPositive() {
		return decimal.Zero, false
	}
	return price.PriceUSD, true
}

// Record writes a resolved price into price history.
func Record(ctx context.Context, store storage.PriceStore, chain, token string, price decimal.Decimal, source string, at time.Time) error {
	if store == nil {
		return errors.New("price store is nil")
	}
	return store.InsertPrice(ctx, model.TokenPrice{
		Chain:     chain,
		Token:     token,
		PriceUSD:  price,
		Source:    source,
		Timestamp: at,
	})
}
