/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// Errors returned by the package. Use errors.Is to classify them.
var (
	// ErrInvalidConfig is returned when a check is attempted with an empty
	// key, a non-positive limit or a degenerate window. It is reported
	// before any backend call is made.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrBackendUnavailable is returned when the atomic check-and-consume
	// operation could not be executed: connection failures, round-trip
	// timeouts and backend-side errors all map here. A denied decision is
	// never reported this way, and the error is never converted into an
	// implicit allow or deny.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)

func backendUnavailableError(err error) error {
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
