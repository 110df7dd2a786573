package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the Get and Set commands over a map. Any other
// command panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	values  map[string]string
	ttls    map[string]time.Duration
	failGet bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.failGet {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

type countingLookup struct {
	price decimal.Decimal
	calls int
}

func (c *countingLookup) PriceUSD(context.Context, string, string) (decimal.Decimal, bool) {
	c.calls++
	return c.price, c.price.IsPositive()
}

func TestRedisCacheFillsOnMiss(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	inner := &countingLookup{price: decimal.NewFromInt(600)}
	cache := NewRedisCache(client, inner, time.Minute, nil)

	price, ok := cache.PriceUSD(ctx, "bsc", "0xABC")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, "600", client.values["lbsync:price:bsc:0xabc"])
	assert.Equal(t, time.Minute, client.ttls["lbsync:price:bsc:0xabc"])

	price, ok = cache.PriceUSD(ctx, "bsc", "0xabc")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, 1, inner.calls)
}

func TestRedisCacheFallsBackOnError(t *testing.T) {
	client := newFakeRedis()
	client.failGet = true
	inner := &countingLookup{price: decimal.NewFromInt(2)}
	cache := NewRedisCache(client, inner, 0, nil)

	price, ok := cache.PriceUSD(context.Background(), "bsc", "0xabc")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 5*time.Minute, client.ttls["lbsync:price:bsc:0xabc"])
}

func TestRedisCacheUnknownPrice(t *testing.T) {
	client := newFakeRedis()
	cache := NewRedisCache(client, &countingLookup{}, time.Minute, nil)

	_, ok := cache.PriceUSD(context.Background(), "bsc", "0xabc")
	assert.False(t, ok)
	assert.Empty(t, client.values)
}
