/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission contains the transport-agnostic admission flow shared by
// the HTTP middleware and the gRPC interceptors: key extraction, a single
// check-and-consume call against the limiter and the dispatch to
// execute/reject/error callbacks, with optional bounded backlog queueing for
// denied requests.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/lrucache"

	"github.com/acronis/go-ratekit/ratelimit"
)

// DefaultBacklogTimeout determines the default timeout for backlog processing.
const DefaultBacklogTimeout = time.Second * 5

// backlogSlotsProvider provides backlog slots for denied requests.
type backlogSlotsProvider func(key string) chan struct{}

// Params contains common data that relates to the admission procedure.
type Params struct {
	Key               string
	Quota             ratelimit.Quota
	Decision          ratelimit.Decision
	RequestBacklogged bool
}

// RequestHandler abstracts the common operations for both HTTP and gRPC requests.
type RequestHandler interface {
	// GetContext returns the request context.
	GetContext() context.Context

	// GetKey extracts the rate limiting key from the request.
	// Returns key, bypass (whether to bypass rate limiting), and error.
	GetKey() (string, bool, error)

	// Execute processes the actual request. On the admitted path params
	// carries the decision (params.Decision.Allowed is true); on the bypass
	// path params is zero.
	Execute(params Params) error

	// OnReject handles request rejection when the quota is exhausted.
	OnReject(params Params) error

	// OnError handles failures of the admission procedure itself
	// (key extraction errors, backend unavailability).
	OnError(params Params, err error) error
}

// RequestProcessor handles the common admission logic for any request type.
// With backlogging disabled (the default) it performs exactly one
// check-and-consume call per request; a positive backlog limit turns denials
// into bounded waiting with periodic re-checks.
type RequestProcessor struct {
	limiter         *ratelimit.Limiter
	quota           ratelimit.Quota
	getBacklogSlots backlogSlotsProvider
	backlogTimeout  time.Duration
}

// BacklogParams defines parameters for the backlog processing.
type BacklogParams struct {
	MaxKeys int
	Limit   int
	Timeout time.Duration
}

// NewRequestProcessor creates a new generic request processor.
func NewRequestProcessor(
	limiter *ratelimit.Limiter, quota ratelimit.Quota, backlogParams BacklogParams,
) (*RequestProcessor, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	if backlogParams.Limit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", backlogParams.Limit)
	}
	if backlogParams.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys for backlog should not be negative, got %d", backlogParams.MaxKeys)
	}
	var getBacklogSlots backlogSlotsProvider
	if backlogParams.Limit > 0 {
		getBacklogSlots = newBacklogSlotsProvider(backlogParams.Limit, backlogParams.MaxKeys)
	}

	if backlogParams.Timeout == 0 {
		backlogParams.Timeout = DefaultBacklogTimeout
	}

	return &RequestProcessor{
		limiter:         limiter,
		quota:           quota,
		getBacklogSlots: getBacklogSlots,
		backlogTimeout:  backlogParams.Timeout,
	}, nil
}

// ProcessRequest contains the shared admission logic.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	ctx := rh.GetContext()

	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key, Quota: p.quota}, fmt.Errorf("get key for rate limit: %w", err))
	}
	if bypass { // Rate limiting is bypassed for this request.
		return rh.Execute(Params{})
	}

	decision, err := p.limiter.CheckAndConsume(ctx, key, p.quota)
	if err != nil {
		return rh.OnError(Params{Key: key, Quota: p.quota}, fmt.Errorf("rate limit: %w", err))
	}

	if decision.Allowed {
		return rh.Execute(Params{Key: key, Quota: p.quota, Decision: decision})
	}

	if p.getBacklogSlots == nil { // Backlogging is disabled.
		return rh.OnReject(Params{Key: key, Quota: p.quota, Decision: decision})
	}

	return p.processBacklog(rh, key, decision)
}

// processBacklog contains the shared backlog processing logic.
func (p *RequestProcessor) processBacklog(rh RequestHandler, key string, decision ratelimit.Decision) error {
	ctx := rh.GetContext()

	backlogSlots := p.getBacklogSlots(key)
	backlogged := false
	select {
	case backlogSlots <- struct{}{}:
		backlogged = true
	default:
		// There are no free slots in the backlog, reject the request immediately.
		return rh.OnReject(Params{
			Key:               key,
			Quota:             p.quota,
			Decision:          decision,
			RequestBacklogged: backlogged,
		})
	}

	freeBacklogSlotIfNeeded := func() {
		if backlogged {
			select {
			case <-backlogSlots:
				backlogged = false
			default:
			}
		}
	}

	defer freeBacklogSlotIfNeeded()

	backlogTimeoutTimer := time.NewTimer(p.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	retryTimer := time.NewTimer(decision.RetryAfter)
	defer retryTimer.Stop()

	var err error

	for {
		select {
		case <-retryTimer.C:
			// Will do another check of the rate limit.
		case <-backlogTimeoutTimer.C:
			freeBacklogSlotIfNeeded()
			return rh.OnReject(Params{
				Key:               key,
				Quota:             p.quota,
				Decision:          decision,
				RequestBacklogged: backlogged,
			})
		case <-ctx.Done():
			freeBacklogSlotIfNeeded()
			return rh.OnError(Params{
				Key:               key,
				Quota:             p.quota,
				Decision:          decision,
				RequestBacklogged: backlogged,
			}, ctx.Err())
		}

		if decision, err = p.limiter.CheckAndConsume(ctx, key, p.quota); err != nil {
			freeBacklogSlotIfNeeded()
			return rh.OnError(Params{
				Key:               key,
				Quota:             p.quota,
				Decision:          decision,
				RequestBacklogged: backlogged,
			}, fmt.Errorf("rate limit: %w", err))
		}

		if decision.Allowed {
			freeBacklogSlotIfNeeded()
			return rh.Execute(Params{
				Key:               key,
				Quota:             p.quota,
				Decision:          decision,
				RequestBacklogged: true,
			})
		}

		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(decision.RetryAfter)
	}
}

// newBacklogSlotsProvider creates a new backlog slots provider.
func newBacklogSlotsProvider(backlogLimit, maxKeys int) backlogSlotsProvider {
	if maxKeys == 0 {
		backlogSlots := make(chan struct{}, backlogLimit)
		return func(key string) chan struct{} {
			return backlogSlots
		}
	}
	keysZone, _ := lrucache.New[string, chan struct{}](maxKeys, nil) // Error is always nil here.
	return func(key string) chan struct{} {
		backlogSlots, _ := keysZone.GetOrAdd(key, func() chan struct{} {
			return make(chan struct{}, backlogLimit)
		})
		return backlogSlots
	}
}
