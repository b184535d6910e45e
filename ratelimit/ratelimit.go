/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Quota describes how many admissions are allowed within a trailing window.
// It is supplied per call, so per-key quota tiers need no code changes.
//
// Quota has a textual form "N/<window>", where the window is "s", "m", "h"
// or any time.ParseDuration value: "10/s", "100/m", "100/90s". The textual
// form is used in JSON, YAML and mapstructure-based configuration.
type Quota struct {
	Limit  int
	Window time.Duration
}

// Validate checks that the quota is usable for an admission decision.
func (q Quota) Validate() error {
	if q.Limit <= 0 {
		return fmt.Errorf("quota limit must be positive, got %d: %w", q.Limit, ErrInvalidConfig)
	}
	if q.Window < time.Millisecond {
		return fmt.Errorf("quota window must be at least 1ms, got %s: %w", q.Window, ErrInvalidConfig)
	}
	return nil
}

// String returns a string representation of the quota.
// Implements fmt.Stringer interface.
func (q Quota) String() string {
	if q.Limit == 0 && q.Window == 0 {
		return ""
	}
	var w string
	switch q.Window {
	case time.Second:
		w = "s"
	case time.Minute:
		w = "m"
	case time.Hour:
		w = "h"
	default:
		w = q.Window.String()
	}
	return fmt.Sprintf("%d/%s", q.Limit, w)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (q *Quota) UnmarshalText(text []byte) error {
	return q.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (q *Quota) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return q.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (q *Quota) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return q.unmarshal(text)
}

func (q *Quota) unmarshal(quota string) error {
	if quota == "" {
		*q = Quota{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for quota %q, should be N/(s|m|h) or N/<duration>, for example 10/s, 100/m, 100/90s", quota)
	parts := strings.SplitN(quota, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		if window, err = time.ParseDuration(parts[1]); err != nil {
			return incorrectFormatErr
		}
	}
	*q = Quota{Limit: limit, Window: window}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (q Quota) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (q Quota) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (q Quota) MarshalYAML() (interface{}, error) {
	return q.String(), nil
}

// MapstructureDecodeHook returns a DecodeHookFunc for decoding Quota and
// duration values with mapstructure (used by config.Loader and viper).
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// Decision is the outcome of a single check-and-consume call.
type Decision struct {
	// Allowed reports whether the request was admitted into the window.
	Allowed bool

	// Remaining is the quota left in the window right after this admission.
	// It is 0 when the request is denied.
	Remaining int

	// RetryAfter estimates when the oldest blocking entry will leave the
	// window. It is a whole number of seconds, positive exactly when the
	// request is denied.
	RetryAfter time.Duration
}

// Backend executes check-and-consume atomically against shared window state.
//
// Implementations must run the excise/count/insert sequence as one
// indivisible operation per key: two concurrent callers must never both
// observe count == limit-1 and both insert. Given identical key, quota,
// nowMs and prior state, all implementations must produce identical
// decisions.
type Backend interface {
	// CheckAndConsume makes an admission decision for the key and, when it
	// admits, records the admission. nowMs is the caller-supplied current
	// time in milliseconds.
	CheckAndConsume(ctx context.Context, key string, quota Quota, nowMs int64) (Decision, error)

	// Remaining reports how much quota is left in the key's window without
	// consuming any.
	Remaining(ctx context.Context, key string, quota Quota, nowMs int64) (int, error)
}
