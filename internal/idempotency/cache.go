package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache deduplicates non-streamed requests by client-supplied key. Writes
// are first-writer-wins within the TTL; payloads are not hashed, so a reused
// key with a different payload returns the first cached body.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

func cacheKey(key string) string {
	return "idemp:" + key
}

// RedisCache is the shared backend; safe across gateway instances.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return raw, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.SetNX(ctx, cacheKey(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency setnx: %w", err)
	}
	return nil
}

// LocalCache is the bounded in-process fallback. Operational precondition:
// it is not safe across multiple gateway instances; replays landing on
// another instance re-execute the provider call.
type LocalCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	if size < 1 {
		size = 5000
	}
	return &LocalCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.lru.Get(cacheKey(key))
	return v, ok, nil
}

func (c *LocalCache) Set(_ context.Context, key string, value []byte) error {
	if _, ok := c.lru.Get(cacheKey(key)); ok {
		return nil
	}
	c.lru.Add(cacheKey(key), value)
	return nil
}
