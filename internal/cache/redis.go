package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps entries in redis; expiry is enforced by the key TTL.
type RedisCache struct {
	redis  redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedis stores entries under prefix with the default TTL.
func NewRedis(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "botproxy:search"
	}
	return &RedisCache{redis: client, prefix: prefix, ttl: TTL}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := c.redis.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return payload, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, payload []byte) error {
	return c.redis.Set(ctx, c.key(key), payload, c.ttl).Err()
}

func (c *RedisCache) key(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}
