package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli *redisv9.Client
}

// newRedisStore initializes the redis-backed store from environment variables.
func newRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}
	return &redisStore{cli: redisv9.NewClient(redisOptions)}, nil
}

// NewRedisStore wraps an explicitly configured go-redis client. Used by
// entry points that build their own options and by tests (miniredis).
func NewRedisStore(opts *redisv9.Options) Store {
	return &redisStore{cli: redisv9.NewClient(opts)}
}

// makeRedisOptions creates redis options from environment variables.
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if requirePassword("REDIS_PASSWORD_REQUIRED") && redisPassword == "" {
		return nil, fmt.Errorf("REDIS_PASSWORD is required but not set")
	}

	return &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	if err := rs.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING failed: %w", err)
	}
	return nil
}

func (rs *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s failed: %w", key, err)
	}
	return b, nil
}

func (rs *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := rs.cli.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s failed: %w", key, err)
	}
	return nil
}

func (rs *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := rs.cli.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (rs *redisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := rs.cli.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s %s failed: %w", key, field, err)
	}
	return b, nil
}

func (rs *redisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := rs.cli.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s %s failed: %w", key, field, err)
	}
	return nil
}

func (rs *redisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := rs.cli.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s failed: %w", key, err)
	}
	return nil
}

func (rs *redisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := rs.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s failed: %w", key, err)
	}
	out := make(map[string][]byte, len(m))
	for field, value := range m {
		out[field] = []byte(value)
	}
	return out, nil
}

func (rs *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := rs.cli.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE %s failed: %w", key, err)
	}
	return nil
}

// Keys lists keys by prefix using SCAN so large key spaces never block the
// server the way KEYS would.
func (rs *redisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rs.cli.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SCAN %s* failed: %w", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
