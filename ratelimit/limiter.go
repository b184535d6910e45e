/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter is the decision engine. It validates inputs locally, stamps the
// current time and delegates the atomic decision to a Backend. It performs
// no internal retries and never blocks the caller beyond one backend round
// trip; retry and backoff policy, if any, belongs to the caller.
type Limiter struct {
	backend Backend
	now     func() time.Time
	metrics MetricsCollector
}

// LimiterOpts represents an options for Limiter.
type LimiterOpts struct {
	// NowProvider supplies the current time for window arithmetic.
	// time.Now is used if nil. Tests use it to drive a manual clock.
	NowProvider func() time.Time

	// MetricsCollector gathers decision and backend-call metrics.
	// Collection is disabled if nil.
	MetricsCollector MetricsCollector
}

// NewLimiter creates a new Limiter for the passed backend.
func NewLimiter(backend Backend) *Limiter {
	return NewLimiterWithOpts(backend, LimiterOpts{})
}

// NewLimiterWithOpts creates a new Limiter for the passed backend with options.
func NewLimiterWithOpts(backend Backend, opts LimiterOpts) *Limiter {
	if opts.NowProvider == nil {
		opts.NowProvider = time.Now
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Limiter{backend: backend, now: opts.NowProvider, metrics: opts.MetricsCollector}
}

// CheckAndConsume makes an admission decision for the key and, when it
// allows, records the admission. Exactly one atomic backend operation is
// performed per call; concurrent calls for the same key are serialized by
// the backend, not by a lock in the engine, and calls for different keys do
// not contend at all.
//
// A denied decision is a normal outcome, not an error. Failures are
// classified with ErrInvalidConfig (reported before any backend call) and
// ErrBackendUnavailable (including round-trip timeouts and cancellations).
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, quota Quota) (Decision, error) {
	if err := validateCheckArgs(key, quota); err != nil {
		return Decision{}, err
	}
	start := time.Now()
	decision, err := l.backend.CheckAndConsume(ctx, key, quota, l.now().UnixMilli())
	l.metrics.ObserveBackendCall(time.Since(start))
	if err != nil {
		l.metrics.IncBackendErrors()
		return Decision{}, err
	}
	if decision.Allowed {
		l.metrics.IncAllowed()
	} else {
		l.metrics.IncDenied()
	}
	return decision, nil
}

// Remaining reports the quota left in the key's window without consuming
// any. It is an informational probe (response headers and the like); the
// only authoritative admission path is CheckAndConsume.
func (l *Limiter) Remaining(ctx context.Context, key string, quota Quota) (int, error) {
	if err := validateCheckArgs(key, quota); err != nil {
		return 0, err
	}
	remaining, err := l.backend.Remaining(ctx, key, quota, l.now().UnixMilli())
	if err != nil {
		l.metrics.IncBackendErrors()
		return 0, err
	}
	return remaining, nil
}

func validateCheckArgs(key string, quota Quota) error {
	if key == "" {
		return fmt.Errorf("key must not be empty: %w", ErrInvalidConfig)
	}
	return quota.Validate()
}
