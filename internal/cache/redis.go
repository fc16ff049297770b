package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // Expiry of stored audio, 0 for none
	Prefix   string
	Timeout  time.Duration // Per-operation bound
}

// RedisStore shares encoded audio between processes through redis.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "ambient:audio:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

// Key returns the redis key for a locator.
func (rs *RedisStore) Key(locator string) string {
	return redisKey(rs.cfg.Prefix, locator)
}

func redisKey(prefix, locator string) string {
	hash := sha256.Sum256([]byte(locator))
	return prefix + hex.EncodeToString(hash[:])
}

// Get implements Store. A missing key is a miss, not an error.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.cfg.Timeout)
	defer cancel()

	data, err := rs.client.Get(ctx, rs.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		rs.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		rs.misses.Add(1)
		rs.errors.Add(1)
		return nil, false, err
	}
	rs.hits.Add(1)
	return data, true, nil
}

// Put implements Store.
func (rs *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, rs.cfg.Timeout)
	defer cancel()

	if err := rs.client.Set(ctx, rs.Key(key), data, rs.cfg.TTL).Err(); err != nil {
		rs.errors.Add(1)
		return err
	}
	return nil
}

// Delete implements Store.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, rs.cfg.Timeout)
	defer cancel()
	return rs.client.Del(ctx, rs.Key(key)).Err()
}

// Stats implements Store.
func (rs *RedisStore) Stats() StoreStats {
	return StoreStats{
		Kind:   "redis",
		Hits:   rs.hits.Load(),
		Misses: rs.misses.Load(),
		Errors: rs.errors.Load(),
	}
}

// Close implements Store.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
