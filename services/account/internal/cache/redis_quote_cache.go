package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultQuotePrefix = "bank:quote:"

// RedisQuoteCache shares quotes across service replicas so a burst of trades
// costs one oracle round trip per TTL.
type RedisQuoteCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisQuoteCache(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisQuoteCache {
	if prefix == "" {
		prefix = defaultQuotePrefix
	}
	return &RedisQuoteCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisQuoteCache) GetMany(ctx context.Context, currency string, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.prefix + quoteKey(currency, id)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget quotes: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			continue
		}
		out[ids[i]] = price
	}
	return out, nil
}

func (c *RedisQuoteCache) SetMany(ctx context.Context, currency string, prices map[string]decimal.Decimal) error {
	if len(prices) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for id, price := range prices {
			p.Set(ctx, c.prefix+quoteKey(currency, id), price.String(), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set quotes: %w", err)
	}
	return nil
}
