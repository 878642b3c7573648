package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const redisScanCount = 100

// Redis is a Store backed by a Redis server.
type Redis struct {
	rdb *redis.Client
}

// OpenRedis connects to the server described by a redis:// URL.
// Params: rawURL connection URL.
// Returns: store or parse error.
func OpenRedis(rawURL string) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opt)), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// GetString returns the stored value or def.
func (r *Redis) GetString(ctx context.Context, key, def string) (string, error) {
	value, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

// GetBool returns the stored bool or def.
func (r *Redis) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	value, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("redis get %q: %w", key, err)
	}
	return parseBool(value, def), nil
}

// SaveString writes one value without expiry.
func (r *Redis) SaveString(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// SaveBool writes one bool value.
func (r *Redis) SaveBool(ctx context.Context, key string, value bool) error {
	return r.SaveString(ctx, key, formatBool(value))
}

// Contains reports key presence.
func (r *Redis) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes one key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Scan walks SCAN MATCH prefix* and fetches values.
// Keys deleted between SCAN and GET are skipped.
// Params: ctx request context; prefix key prefix.
// Returns: key to value map.
func (r *Redis) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	iter := r.rdb.Scan(ctx, 0, prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := r.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}
		out[key] = value
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
