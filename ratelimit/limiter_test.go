/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// manualClock drives the limiter's time in tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.UnixMilli(0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend records how many times the limiter reached the backend.
type countingBackend struct {
	calls int
}

func (b *countingBackend) CheckAndConsume(ctx context.Context, key string, quota Quota, nowMs int64) (Decision, error) {
	b.calls++
	return Decision{Allowed: true, Remaining: quota.Limit - 1}, nil
}

func (b *countingBackend) Remaining(ctx context.Context, key string, quota Quota, nowMs int64) (int, error) {
	b.calls++
	return quota.Limit, nil
}

// failingBackend simulates a lost backend.
type failingBackend struct {
	err error
}

func (b *failingBackend) CheckAndConsume(ctx context.Context, key string, quota Quota, nowMs int64) (Decision, error) {
	return Decision{}, b.err
}

func (b *failingBackend) Remaining(ctx context.Context, key string, quota Quota, nowMs int64) (int, error) {
	return 0, b.err
}

func TestLimiterCheckAndConsume(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	limiter := NewLimiterWithOpts(NewMemoryBackend(), LimiterOpts{NowProvider: clock.Now})
	quota := Quota{Limit: 2, Window: time.Second}

	for i := 0; i < 2; i++ {
		decision, err := limiter.CheckAndConsume(ctx, "tenant-1", quota)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, 1-i, decision.Remaining)
	}

	decision, err := limiter.CheckAndConsume(ctx, "tenant-1", quota)
	require.NoError(t, err)
	require.Equal(t, Decision{Allowed: false, RetryAfter: time.Second}, decision)

	clock.Advance(time.Millisecond * 1001)
	decision, err = limiter.CheckAndConsume(ctx, "tenant-1", quota)
	require.NoError(t, err)
	require.Equal(t, Decision{Allowed: true, Remaining: 1}, decision)
}

func TestLimiterValidation(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{}
	limiter := NewLimiter(backend)

	_, err := limiter.CheckAndConsume(ctx, "", Quota{Limit: 1, Window: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "key must not be empty")

	_, err = limiter.CheckAndConsume(ctx, "tenant-1", Quota{Limit: 0, Window: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = limiter.CheckAndConsume(ctx, "tenant-1", Quota{Limit: 5, Window: 0})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = limiter.Remaining(ctx, "", Quota{Limit: 1, Window: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Invalid input must be rejected before any backend call.
	require.Equal(t, 0, backend.calls)
}

func TestLimiterConcurrentAccess(t *testing.T) {
	const limit = 50
	const extra = 50

	limiter := NewLimiter(NewMemoryBackend())
	quota := Quota{Limit: limit, Window: time.Minute}

	var allowedCount, deniedCount, errsCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < limit+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.CheckAndConsume(context.Background(), "tenant-1", quota)
			if err != nil {
				errsCount.Inc()
				return
			}
			if decision.Allowed {
				allowedCount.Inc()
			} else {
				deniedCount.Inc()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, int(errsCount.Load()))
	require.Equal(t, limit, int(allowedCount.Load()))
	require.Equal(t, extra, int(deniedCount.Load()))
}

func TestLimiterRemaining(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	limiter := NewLimiterWithOpts(NewMemoryBackend(), LimiterOpts{NowProvider: clock.Now})
	quota := Quota{Limit: 3, Window: time.Minute}

	remaining, err := limiter.Remaining(ctx, "tenant-1", quota)
	require.NoError(t, err)
	require.Equal(t, 3, remaining)

	for i := 0; i < 2; i++ {
		_, err = limiter.CheckAndConsume(ctx, "tenant-1", quota)
		require.NoError(t, err)
	}

	remaining, err = limiter.Remaining(ctx, "tenant-1", quota)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	clock.Advance(time.Second * 61)
	remaining, err = limiter.Remaining(ctx, "tenant-1", quota)
	require.NoError(t, err)
	require.Equal(t, 3, remaining)
}

func TestLimiterMetrics(t *testing.T) {
	ctx := context.Background()
	quota := Quota{Limit: 1, Window: time.Second}

	t.Run("decisions are counted", func(t *testing.T) {
		pm := NewPrometheusMetrics()
		limiter := NewLimiterWithOpts(NewMemoryBackend(), LimiterOpts{MetricsCollector: pm})

		decision, err := limiter.CheckAndConsume(ctx, "tenant-1", quota)
		require.NoError(t, err)
		require.True(t, decision.Allowed)

		decision, err = limiter.CheckAndConsume(ctx, "tenant-1", quota)
		require.NoError(t, err)
		require.False(t, decision.Allowed)

		require.Equal(t, 1, int(testutil.ToFloat64(pm.AllowedTotal.With(nil))))
		require.Equal(t, 1, int(testutil.ToFloat64(pm.DeniedTotal.With(nil))))
		require.Equal(t, 0, int(testutil.ToFloat64(pm.BackendErrorsTotal.With(nil))))
	})

	t.Run("backend errors are counted", func(t *testing.T) {
		pm := NewPrometheusMetrics()
		backend := &failingBackend{err: backendUnavailableError(errors.New("connection refused"))}
		limiter := NewLimiterWithOpts(backend, LimiterOpts{MetricsCollector: pm})

		_, err := limiter.CheckAndConsume(ctx, "tenant-1", quota)
		require.ErrorIs(t, err, ErrBackendUnavailable)

		_, err = limiter.Remaining(ctx, "tenant-1", quota)
		require.ErrorIs(t, err, ErrBackendUnavailable)

		require.Equal(t, 2, int(testutil.ToFloat64(pm.BackendErrorsTotal.With(nil))))
		require.Equal(t, 0, int(testutil.ToFloat64(pm.AllowedTotal.With(nil))))
	})
}
