/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements per-key sliding-window rate limiting backed by
// a shared counting store.
//
// The package is built around three pieces:
//   - Limiter, the decision engine: it validates inputs, stamps the current
//     time and asks a Backend for an atomic admit/deny decision.
//   - Backend implementations: RedisBackend keeps window state in Redis
//     sorted sets and evaluates the whole check-and-consume sequence as a
//     single Lua script, so concurrent callers can never over-admit at the
//     quota boundary; MemoryBackend keeps the same state in process memory
//     under a mutex and yields bit-identical decisions, which makes backends
//     swappable in tests and single-instance deployments.
//   - Config, the configuration surface in the go-appkit config.Config shape,
//     including the textual quota form ("10/s", "100/m", "100/90s").
//
// Quota exhaustion is not an error: it is a Decision with Allowed set to
// false and a retry-after estimate. Backend failures and timeouts surface as
// ErrBackendUnavailable and are never converted into an implicit allow or
// deny; choosing fail-open or fail-closed belongs to the caller.
package ratelimit
