package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasircore/internal/domain"
)

type RedisFrequentItemsCache struct {
	client *redis.Client
}

func NewRedisFrequentItemsCache(addr string, password string, db int) *RedisFrequentItemsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisFrequentItemsCache{client: client}
}

func (c *RedisFrequentItemsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisFrequentItemsCache) Close() error {
	return c.client.Close()
}

func (c *RedisFrequentItemsCache) Get(ctx context.Context, key string) ([]domain.RankedProduct, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ranked []domain.RankedProduct
	if err := json.Unmarshal(val, &ranked); err != nil {
		return nil, false, err
	}
	return ranked, true, nil
}

func (c *RedisFrequentItemsCache) Set(ctx context.Context, key string, value []domain.RankedProduct, ttl time.Duration) error {
	if value == nil {
		value = []domain.RankedProduct{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// Delete drops keys, used to invalidate rankings after new sales land.
func (c *RedisFrequentItemsCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
