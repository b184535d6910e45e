/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// DefaultRedisKeyPrefix is a default namespace prefix for window keys in Redis.
const DefaultRedisKeyPrefix = "ratelimit"

// RedisBackend keeps window state in Redis sorted sets (member = unique
// nonce, score = admission timestamp in ms) and evaluates check-and-consume
// as a single Lua script, EVALSHA with an automatic EVAL fallback.
//
// The backend does not own the client and never closes it.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Backend = (*RedisBackend)(nil)

// RedisBackendOpts represents an options for RedisBackend.
type RedisBackendOpts struct {
	// KeyPrefix is prepended (with a ":" separator) to every window key.
	// DefaultRedisKeyPrefix is used if empty.
	KeyPrefix string
}

// NewRedisBackend creates a new RedisBackend with default options.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return NewRedisBackendWithOpts(client, RedisBackendOpts{})
}

// NewRedisBackendWithOpts creates a new RedisBackend with the passed options.
func NewRedisBackendWithOpts(client redis.UniversalClient, opts RedisBackendOpts) *RedisBackend {
	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

// CheckAndConsume implements the Backend interface.
func (b *RedisBackend) CheckAndConsume(
	ctx context.Context, key string, quota Quota, nowMs int64,
) (Decision, error) {
	res, err := checkAndConsumeScript.Run(ctx, b.client, []string{b.windowKey(key)},
		nowMs, quota.Window.Milliseconds(), quota.Limit, xid.New().String()).Result()
	if err != nil {
		return Decision{}, backendUnavailableError(err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, backendUnavailableError(fmt.Errorf("unexpected check script reply %v", res))
	}
	allowed, allowedErr := toInt64(values[0])
	remaining, remainingErr := toInt64(values[1])
	retryAfter, retryAfterErr := toInt64(values[2])
	if allowedErr != nil || remainingErr != nil || retryAfterErr != nil {
		return Decision{}, backendUnavailableError(fmt.Errorf("unexpected check script reply %v", res))
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryAfter) * time.Second,
	}, nil
}

// Remaining implements the Backend interface.
func (b *RedisBackend) Remaining(ctx context.Context, key string, quota Quota, nowMs int64) (int, error) {
	remaining, err := remainingScript.Run(ctx, b.client, []string{b.windowKey(key)},
		nowMs, quota.Window.Milliseconds(), quota.Limit).Int()
	if err != nil {
		return 0, backendUnavailableError(err)
	}
	return remaining, nil
}

func (b *RedisBackend) windowKey(key string) string {
	return b.keyPrefix + ":" + key
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
