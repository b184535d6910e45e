/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware provides an HTTP middleware that limits the rate of requests
// against a shared ratelimit.Limiter. Requests over the quota are rejected with
// 429 and a Retry-After header by default; admitted responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Window headers.
package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	appkitmw "github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	"github.com/acronis/go-ratekit/internal/admission"
	"github.com/acronis/go-ratekit/ratelimit"
)

// DefaultRateLimitMaxKeys is a default value of maximum keys number for the RateLimit middleware backlog.
const DefaultRateLimitMaxKeys = 10000

// DefaultRateLimitBacklogTimeout determines how long the HTTP request may be in the backlog status.
const DefaultRateLimitBacklogTimeout = admission.DefaultBacklogTimeout

// DefaultRateLimitKey is used for rate limiting when RateLimitOpts.GetKey is not provided
// or extracts an empty key. All such requests share a single service-wide quota window.
const DefaultRateLimitKey = "default"

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware that limits the rate of HTTP requests.
const RateLimitErrCode = "tooManyRequests"

// RateLimitServiceUnavailableErrCode is an error code that is used in a response body
// if the rate limiting backend cannot be reached and the request is rejected.
const RateLimitServiceUnavailableErrCode = "serviceUnavailable"

// RateLimitLogFieldKey it is the name of the logged field that contains a key for the requests rate limiter.
const RateLimitLogFieldKey = "rate_limit_key"

const userAgentLogFieldKey = "user_agent"

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	Quota               ratelimit.Quota
	Remaining           int
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when an error occurs during the rate limiting procedure.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetKeyFunc is a function that is called for getting key for rate limiting.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

type rateLimitHandler struct {
	next           http.Handler
	processor      *admission.RequestProcessor
	getKey         RateLimitGetKeyFunc
	errDomain      string
	respStatusCode int
	getRetryAfter  RateLimitGetRetryAfterFunc

	onReject RateLimitOnRejectFunc
	onError  RateLimitOnErrorFunc
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestHandler := &rateLimitRequestHandler{rw: rw, r: r, parent: h}
	_ = h.processor.ProcessRequest(requestHandler) // Error is always nil, as it is handled in the rateLimitRequestHandler methods.
}

// rateLimitRequestHandler implements admission.RequestHandler for HTTP requests.
type rateLimitRequestHandler struct {
	rw     http.ResponseWriter
	r      *http.Request
	parent *rateLimitHandler
}

func (h *rateLimitRequestHandler) GetContext() context.Context {
	return h.r.Context()
}

func (h *rateLimitRequestHandler) GetKey() (key string, bypass bool, err error) {
	if h.parent.getKey != nil {
		key, bypass, err = h.parent.getKey(h.r)
		if err != nil || bypass || key != "" {
			return key, bypass, err
		}
		// An empty key would be rejected by the limiter, fall back to the service-wide one.
	}
	return DefaultRateLimitKey, false, nil
}

func (h *rateLimitRequestHandler) Execute(params admission.Params) error {
	if params.Decision.Allowed {
		setRateLimitHeaders(h.rw, params.Quota, params.Decision)
	}
	h.parent.next.ServeHTTP(h.rw, h.r)
	return nil
}

func (h *rateLimitRequestHandler) OnReject(params admission.Params) error {
	h.parent.onReject(h.rw, h.r, h.convertParams(params), h.parent.next, appkitmw.GetLoggerFromContext(h.r.Context()))
	return nil
}

func (h *rateLimitRequestHandler) OnError(params admission.Params, err error) error {
	h.parent.onError(h.rw, h.r, h.convertParams(params), err, h.parent.next, appkitmw.GetLoggerFromContext(h.r.Context()))
	return nil
}

func (h *rateLimitRequestHandler) convertParams(params admission.Params) RateLimitParams {
	return RateLimitParams{
		ErrDomain:           h.parent.errDomain,
		ResponseStatusCode:  h.parent.respStatusCode,
		GetRetryAfter:       h.parent.getRetryAfter,
		Key:                 params.Key,
		Quota:               params.Quota,
		Remaining:           params.Decision.Remaining,
		RequestBacklogged:   params.RequestBacklogged,
		EstimatedRetryAfter: params.Decision.RetryAfter,
	}
}

// setRateLimitHeaders exposes the quota state of the admitted request on the response.
func setRateLimitHeaders(rw http.ResponseWriter, quota ratelimit.Quota, decision ratelimit.Decision) {
	rw.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
	rw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	rw.Header().Set("X-RateLimit-Window", strconv.FormatInt(int64(quota.Window/time.Second), 10))
}

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	GetKey             RateLimitGetKeyFunc
	MaxKeys            int
	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc
	DryRun             bool
	BacklogLimit       int
	BacklogTimeout     time.Duration

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests with the passed quota.
// The same limiter may be shared between multiple middlewares and interceptors,
// decisions stay atomic as long as they use the same backend.
func RateLimit(
	limiter *ratelimit.Limiter, quota ratelimit.Quota, errDomain string,
) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(limiter, quota, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(limiter *ratelimit.Limiter, quota ratelimit.Quota, errDomain string) func(next http.Handler) http.Handler {
	mw, err := RateLimit(limiter, quota, errDomain)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(
	limiter *ratelimit.Limiter, quota ratelimit.Quota, errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}

	backlogParams := admission.BacklogParams{
		MaxKeys: maxKeys,
		Limit:   opts.BacklogLimit,
		Timeout: opts.BacklogTimeout,
	}
	if opts.DryRun {
		backlogParams.Limit = 0 // Backlogging should be disabled in dry-run mode to avoid blocking requests.
	}
	processor, err := admission.NewRequestProcessor(limiter, quota, backlogParams)
	if err != nil {
		return nil, fmt.Errorf("new rate limit request processor: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			processor:      processor,
			errDomain:      errDomain,
			getKey:         opts.GetKey,
			getRetryAfter:  opts.GetRetryAfter,
			respStatusCode: respStatusCode,
			onReject:       makeRateLimitOnRejectFunc(opts),
			onError:        makeRateLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(
	limiter *ratelimit.Limiter, quota ratelimit.Quota, errDomain string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(limiter, quota, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends HTTP response in a typical go-appkit way when the rate limit is exceeded,
// or when the request is backlogged and the backlog limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}

	retryAfter := params.EstimatedRetryAfter
	if params.GetRetryAfter != nil {
		retryAfter = params.GetRetryAfter(r, params.EstimatedRetryAfter)
	}
	retryAfterSecs := int(math.Ceil(retryAfter.Seconds()))
	rw.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))

	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, "Too many requests.").
		AddContext("limit", params.Quota.Limit).
		AddContext("window_seconds", int64(params.Quota.Window/time.Second)).
		AddContext("retry_after_seconds", retryAfterSecs)
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnError sends HTTP response in a typical go-appkit way in case when an error occurs
// during the rate limiting procedure. The request is not passed to the next handler,
// the client receives 503 and may retry the request later.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	apiErr := restapi.NewError(params.ErrDomain, RateLimitServiceUnavailableErrCode, "Service temporarily unavailable.")
	restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
}

// DefaultRateLimitOnRejectInDryRun sends HTTP response in a typical go-appkit way
// when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
