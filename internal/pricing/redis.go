package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const redisKeyPrefix = "lbsync:price"

// RedisCache fronts another Lookup with a Redis cache. Cache failures fall
// through to the inner lookup.
type RedisCache struct {
	client redis.Cmdable
	inner  Lookup
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient builds a go-redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisCache(client redis.Cmdable, inner Lookup, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, inner: inner, ttl: ttl, logger: logger}
}

func priceKey(chain, token string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, chain, strings.ToLower(token))
}

func (c *RedisCache) PriceUSD(ctx context.Context, chain, token string) (decimal.Decimal, bool) {
	key := priceKey(chain, token)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if price, perr := decimal.NewFromString(cached); perr == nil && price.IsPositive() {
			return price, true
		}
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Debug("price cache read failed", zap.String("key", key), zap.Error(err))
	}

	if c.inner == nil {
		return decimal.Zero, false
	}
	price, ok := c.inner.PriceUSD(ctx, chain, token)
	if !ok {
		return decimal.Zero, false
	}
	if err := c.Put(ctx, chain, token, price); err != nil {
		c.logger.Debug("price cache write failed", zap.String("key", key), zap.Error(err))
	}
	return price, true
}

// Put stores a price with the cache TTL.
func (c *RedisCache) Put(ctx context.Context, chain, token string, price decimal.Decimal) error {
	return c.client.Set(ctx, priceKey(chain, token), price.String(), c.ttl).Err()
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
