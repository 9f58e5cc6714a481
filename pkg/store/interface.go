package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrNotFound indicates that the requested key or hash field does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable key-value service shared by all load-balancer and
// persistence-manager replicas. Implementations must be safe for concurrent
// use. Local caches built on top of a Store are advisory only; the Store is
// the single source of truth across replicas.
type Store interface {
	// Ping checks that the store provider is reachable.
	Ping(ctx context.Context) error

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// HGet returns the value of a hash field, or ErrNotFound.
	HGet(ctx context.Context, key, field string) ([]byte, error)
	// HSet stores a hash field.
	HSet(ctx context.Context, key, field string, value []byte) error
	// HDel removes hash fields. Missing fields are not an error.
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll returns all fields of a hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// Expire sets or refreshes the TTL of a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys lists all keys starting with the given prefix. Linear in the
	// number of stored keys; callers are expected to keep key spaces small.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases all resources held by the store (e.g. connection pools).
	Close() error
}

const (
	redisStoreType  string = "redis"
	valkeyStoreType string = "valkey"
)

// New creates a Store for the given provider type ("redis" or "valkey",
// case-insensitive). An empty provider selects redis. Connection parameters
// are read from environment variables:
//
//	--- redis provider environments ---
//	REDIS_ADDR:     redis address, required
//	REDIS_PASSWORD: redis password, required unless REDIS_PASSWORD_REQUIRED=false
//	--- valkey provider environments ---
//	VALKEY_ADDR:          valkey address, required
//	VALKEY_PASSWORD:      valkey password, required unless VALKEY_PASSWORD_REQUIRED=false
//	VALKEY_DISABLE_CACHE: disable valkey client cache, optional
//	VALKEY_FORCE_SINGLE:  force valkey single mode, optional
//
// The returned Store is owned by the caller; there is no process-wide
// singleton. The process entry point constructs one and passes it down.
func New(providerType string) (Store, error) {
	if providerType == "" {
		providerType = redisStoreType
	}
	switch strings.ToLower(providerType) {
	case redisStoreType:
		return newRedisStore()
	case valkeyStoreType:
		return newValkeyStore()
	default:
		return nil, fmt.Errorf("store: unknown provider type %q", providerType)
	}
}

// requirePassword reports whether the given *_PASSWORD_REQUIRED env var
// still demands a non-empty password. Secure by default.
func requirePassword(requiredEnv string) bool {
	return strings.ToLower(os.Getenv(requiredEnv)) != "false"
}
