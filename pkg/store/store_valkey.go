package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"
)

type valkeyStore struct {
	cli valkey.Client
}

// newValkeyStore initializes the valkey-backed store from environment variables.
func newValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{cli: client}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables.
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	if requirePassword("VALKEY_PASSWORD_REQUIRED") && valkeyPassword == "" {
		return nil, fmt.Errorf("VALKEY_PASSWORD is required but not set")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	if v := os.Getenv("VALKEY_DISABLE_CACHE"); v != "" {
		if disableCache, err := strconv.ParseBool(v); err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	if v := os.Getenv("VALKEY_FORCE_SINGLE"); v != "" {
		if forceSingle, err := strconv.ParseBool(v); err == nil && forceSingle {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

func (vs *valkeyStore) Ping(ctx context.Context) error {
	if err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey PING failed: %w", err)
	}
	return nil
}

func (vs *valkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("valkey GET %s failed: %w", key, err)
	}
	return b, nil
}

func (vs *valkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = vs.cli.B().Set().Key(key).Value(string(value)).Ex(ttl).Build()
	} else {
		cmd = vs.cli.B().Set().Key(key).Value(string(value)).Build()
	}
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET %s failed: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := vs.cli.Do(ctx, vs.cli.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey DEL failed: %w", err)
	}
	return nil
}

func (vs *valkeyStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := vs.cli.Do(ctx, vs.cli.B().Hget().Key(key).Field(field).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("valkey HGET %s %s failed: %w", key, field, err)
	}
	return b, nil
}

func (vs *valkeyStore) HSet(ctx context.Context, key, field string, value []byte) error {
	cmd := vs.cli.B().Hset().Key(key).FieldValue().FieldValue(field, string(value)).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey HSET %s %s failed: %w", key, field, err)
	}
	return nil
}

func (vs *valkeyStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := vs.cli.Do(ctx, vs.cli.B().Hdel().Key(key).Field(fields...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey HDEL %s failed: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := vs.cli.Do(ctx, vs.cli.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("valkey HGETALL %s failed: %w", key, err)
	}
	out := make(map[string][]byte, len(m))
	for field, value := range m {
		out[field] = []byte(value)
	}
	return out, nil
}

func (vs *valkeyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cmd := vs.cli.B().Expire().Key(key).Seconds(int64(ttl / time.Second)).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey EXPIRE %s failed: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		cmd := vs.cli.B().Scan().Cursor(cursor).Match(prefix + "*").Count(100).Build()
		entry, err := vs.cli.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey SCAN %s* failed: %w", prefix, err)
		}
		keys = append(keys, entry.Elements...)
		if entry.Cursor == 0 {
			return keys, nil
		}
		cursor = entry.Cursor
	}
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
