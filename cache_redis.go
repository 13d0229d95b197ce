package shuttleplus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisCachePrefix namespaces the cache keys in Redis.
const DefaultRedisCachePrefix = "shuttleplus:cache"

// RedisCacheStorage keeps the named caches in Redis so several proxy
// processes can share them. Cache names live in a sorted set scored by
// creation time; each cache is a hash of URL to encoded response.
type RedisCacheStorage struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCacheStorage(rdb redis.UniversalClient, prefix string) *RedisCacheStorage {
	if prefix == "" {
		prefix = DefaultRedisCachePrefix
	}
	return &RedisCacheStorage{rdb: rdb, prefix: prefix}
}

func (r *RedisCacheStorage) namesKey() string { return r.prefix + ":names" }

func (r *RedisCacheStorage) cacheKey(name string) string { return r.prefix + ":" + name }

func (r *RedisCacheStorage) Open(ctx context.Context, name string) error {
	z := redis.Z{Score: float64(time.Now().UnixNano()), Member: name}
	if err := r.rdb.ZAddNX(ctx, r.namesKey(), z).Err(); err != nil {
		return fmt.Errorf("redis open %s: %w", name, err)
	}
	return nil
}

func (r *RedisCacheStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := r.rdb.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	return names, nil
}

func (r *RedisCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisCacheStorage) Put(ctx context.Context, name, key string, entry *CachedResponse) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.Open(ctx, name); err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, r.cacheKey(name), key, b).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", name, err)
	}
	return nil
}

func (r *RedisCacheStorage) Match(ctx context.Context, name, key string) (*CachedResponse, error) {
	if name != "" {
		return r.get(ctx, name, key)
	}
	names, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		entry, err := r.get(ctx, n, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

func (r *RedisCacheStorage) get(ctx context.Context, name, key string) (*CachedResponse, error) {
	b, err := r.rdb.HGet(ctx, r.cacheKey(name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis match %s: %w", name, err)
	}
	var entry CachedResponse
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &entry, nil
}
