/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// checkStep is a single check-and-consume call with the caller-controlled clock
// and the decision it must produce.
type checkStep struct {
	nowMs          int64
	wantAllowed    bool
	wantRemaining  int
	wantRetryAfter time.Duration
}

func runCheckAndConsumeScenario(t *testing.T, b Backend, key string, quota Quota, steps []checkStep) {
	t.Helper()
	ctx := context.Background()
	for i, step := range steps {
		decision, err := b.CheckAndConsume(ctx, key, quota, step.nowMs)
		require.NoError(t, err, "step %d", i)
		want := Decision{Allowed: step.wantAllowed, Remaining: step.wantRemaining, RetryAfter: step.wantRetryAfter}
		require.Equal(t, want, decision, "step %d, nowMs %d", i, step.nowMs)
	}
}

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), srv
}

// slidingWindowScenario exercises admissions, denials and the moment the oldest
// entry leaves the window. Every backend must reproduce it, decision for decision.
func slidingWindowScenario() (Quota, []checkStep) {
	quota := Quota{Limit: 3, Window: time.Minute}
	steps := []checkStep{
		{nowMs: 0, wantAllowed: true, wantRemaining: 2},
		{nowMs: 10, wantAllowed: true, wantRemaining: 1},
		{nowMs: 20, wantAllowed: true, wantRemaining: 0},
		{nowMs: 30, wantAllowed: false, wantRetryAfter: time.Second * 60},
		{nowMs: 59999, wantAllowed: false, wantRetryAfter: time.Second},
		// The entry recorded at 0 is excised (0 <= 60001-60000), the entries
		// at 10 and 20 are still inside, so exactly one admission slot is free.
		{nowMs: 60001, wantAllowed: true, wantRemaining: 0},
	}
	return quota, steps
}

// windowBoundaryScenario pins the inclusive excision rule: an entry recorded at
// timestamp T is dropped exactly at T plus the window, not a millisecond later.
func windowBoundaryScenario() (Quota, []checkStep) {
	quota := Quota{Limit: 1, Window: time.Minute}
	steps := []checkStep{
		{nowMs: 1000, wantAllowed: true, wantRemaining: 0},
		{nowMs: 60999, wantAllowed: false, wantRetryAfter: time.Second},
		{nowMs: 61000, wantAllowed: true, wantRemaining: 0},
	}
	return quota, steps
}

// retryAfterRoundingScenario pins the ceiling arithmetic of retry-after:
// any fraction of a second left rounds up to a whole second.
func retryAfterRoundingScenario() (Quota, []checkStep) {
	quota := Quota{Limit: 1, Window: time.Millisecond * 1500}
	steps := []checkStep{
		{nowMs: 0, wantAllowed: true, wantRemaining: 0},
		// 1400ms, 900ms and finally 1ms left until the entry at 0 expires.
		{nowMs: 100, wantAllowed: false, wantRetryAfter: time.Second * 2},
		{nowMs: 600, wantAllowed: false, wantRetryAfter: time.Second},
		{nowMs: 1499, wantAllowed: false, wantRetryAfter: time.Second},
		{nowMs: 1501, wantAllowed: true, wantRemaining: 0},
	}
	return quota, steps
}

func TestBackendScenarios(t *testing.T) {
	scenarios := []struct {
		name string
		fn   func() (Quota, []checkStep)
	}{
		{name: "sliding window", fn: slidingWindowScenario},
		{name: "window boundary", fn: windowBoundaryScenario},
		{name: "retry-after rounding", fn: retryAfterRoundingScenario},
	}

	t.Run("in-memory", func(t *testing.T) {
		for _, scenario := range scenarios {
			t.Run(scenario.name, func(t *testing.T) {
				quota, steps := scenario.fn()
				runCheckAndConsumeScenario(t, NewMemoryBackend(), "tenant-1", quota, steps)
			})
		}
	})

	t.Run("redis", func(t *testing.T) {
		for _, scenario := range scenarios {
			t.Run(scenario.name, func(t *testing.T) {
				quota, steps := scenario.fn()
				backend, _ := newTestRedisBackend(t)
				runCheckAndConsumeScenario(t, backend, "tenant-1", quota, steps)
			})
		}
	})
}

// TestBackendsProduceIdenticalDecisions drives both backends with the same
// pseudo-random call sequence and requires bit-identical decisions on every step.
func TestBackendsProduceIdenticalDecisions(t *testing.T) {
	redisBackend, _ := newTestRedisBackend(t)
	memBackend := NewMemoryBackend()

	quota := Quota{Limit: 5, Window: time.Second * 10}
	keys := []string{"tenant-1", "tenant-2", "tenant-3"}
	rnd := rand.New(rand.NewSource(42))
	ctx := context.Background()

	nowMs := int64(0)
	for i := 0; i < 500; i++ {
		nowMs += rnd.Int63n(1500)
		key := keys[rnd.Intn(len(keys))]

		memDecision, err := memBackend.CheckAndConsume(ctx, key, quota, nowMs)
		require.NoError(t, err)
		redisDecision, err := redisBackend.CheckAndConsume(ctx, key, quota, nowMs)
		require.NoError(t, err)
		require.Equal(t, memDecision, redisDecision, "op %d, key %q, nowMs %d", i, key, nowMs)

		memRemaining, err := memBackend.Remaining(ctx, key, quota, nowMs)
		require.NoError(t, err)
		redisRemaining, err := redisBackend.Remaining(ctx, key, quota, nowMs)
		require.NoError(t, err)
		require.Equal(t, memRemaining, redisRemaining, "op %d, key %q, nowMs %d", i, key, nowMs)
	}
}
