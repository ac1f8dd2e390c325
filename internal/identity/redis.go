package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// record is the msgpack value stored under each Redis key.
type record struct {
	Value     string `msgpack:"value"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

// RedisStorage persists identity values in Redis, one key per value,
// namespaced by Prefix.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStorage wraps an existing client. An empty prefix defaults to
// "identity".
func NewRedisStorage(rdb *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "identity"
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

// NewRedisStorageFromURL parses a redis:// URL and connects lazily.
func NewRedisStorageFromURL(rawURL, prefix string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStorage(redis.NewClient(opt), prefix), nil
}

func (r *RedisStorage) key(k string) string {
	return r.prefix + ":" + k
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	raw, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	return rec.Value, nil
}

func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	raw, err := msgpack.Marshal(&record{Value: value, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	// No TTL: a device id never expires.
	if err := r.rdb.Set(ctx, r.key(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisStorage) Close() error {
	return r.rdb.Close()
}
