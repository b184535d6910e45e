/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps window state in process memory. All keys share one
// mutex: the in-process variant serves deterministic tests and
// single-instance deployments where lock contention is negligible.
//
// Decisions are bit-identical to RedisBackend's for the same inputs and
// prior state.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string][]int64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a new MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string][]int64)}
}

// CheckAndConsume implements the Backend interface.
func (b *MemoryBackend) CheckAndConsume(
	_ context.Context, key string, quota Quota, nowMs int64,
) (Decision, error) {
	windowMs := quota.Window.Milliseconds()

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.excise(key, nowMs-windowMs)
	count := len(entries)
	if count < quota.Limit {
		b.windows[key] = insertOrdered(entries, nowMs)
		return Decision{Allowed: true, Remaining: quota.Limit - count - 1}, nil
	}

	retryAfterSec := ceilSeconds(windowMs)
	if count > 0 {
		retryAfterSec = ceilSeconds(entries[0] + windowMs - nowMs)
	}
	return Decision{RetryAfter: time.Duration(retryAfterSec) * time.Second}, nil
}

// Remaining implements the Backend interface.
func (b *MemoryBackend) Remaining(_ context.Context, key string, quota Quota, nowMs int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := quota.Limit - len(b.excise(key, nowMs-quota.Window.Milliseconds()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// excise drops all entries with timestamp <= windowStart, the same inclusive
// boundary as ZREMRANGEBYSCORE -inf windowStart, and returns what is left.
// Keys with no entries left are removed from the map, mirroring Redis
// dropping empty sorted sets.
func (b *MemoryBackend) excise(key string, windowStart int64) []int64 {
	entries := b.windows[key]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i] > windowStart })
	if idx == 0 {
		return entries
	}
	entries = entries[idx:]
	if len(entries) == 0 {
		delete(b.windows, key)
		return nil
	}
	b.windows[key] = entries
	return entries
}

// insertOrdered keeps the slice sorted even if the caller's clock regresses,
// matching sorted-set ordering.
func insertOrdered(entries []int64, ts int64) []int64 {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i] > ts })
	entries = append(entries, 0)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = ts
	return entries
}

// ceilSeconds converts a positive millisecond delta to whole seconds,
// rounding up exactly like the Lua script's math.ceil(delta / 1000).
func ceilSeconds(deltaMs int64) int64 {
	return (deltaMs + 999) / 1000
}
