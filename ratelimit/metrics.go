/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how the rate
// limiter is used and how the backend behaves.
type MetricsCollector interface {
	// IncAllowed increments the total number of admitted requests.
	IncAllowed()

	// IncDenied increments the total number of denied requests.
	IncDenied()

	// IncBackendErrors increments the total number of failed backend calls.
	IncBackendErrors()

	// ObserveBackendCall observes the duration of one backend round trip.
	ObserveBackendCall(dur time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for the rate limiter.
type PrometheusMetrics struct {
	AllowedTotal        *prometheus.CounterVec
	DeniedTotal         *prometheus.CounterVec
	BackendErrorsTotal  *prometheus.CounterVec
	BackendCallDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	allowedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_allowed_total",
			Help:        "Number of requests admitted into the window.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	deniedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_denied_total",
			Help:        "Number of requests denied because the quota was exhausted.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	backendErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_backend_errors_total",
			Help:        "Number of failed backend calls.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	backendCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_backend_call_duration_seconds",
			Help:        "Duration of backend round trips in seconds.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		AllowedTotal:        allowedTotal,
		DeniedTotal:         deniedTotal,
		BackendErrorsTotal:  backendErrorsTotal,
		BackendCallDuration: backendCallDuration,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		AllowedTotal:        pm.AllowedTotal.MustCurryWith(labels),
		DeniedTotal:         pm.DeniedTotal.MustCurryWith(labels),
		BackendErrorsTotal:  pm.BackendErrorsTotal.MustCurryWith(labels),
		BackendCallDuration: pm.BackendCallDuration.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.AllowedTotal,
		pm.DeniedTotal,
		pm.BackendErrorsTotal,
		pm.BackendCallDuration,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AllowedTotal)
	prometheus.Unregister(pm.DeniedTotal)
	prometheus.Unregister(pm.BackendErrorsTotal)
	prometheus.Unregister(pm.BackendCallDuration)
}

// IncAllowed increments the total number of admitted requests.
func (pm *PrometheusMetrics) IncAllowed() {
	pm.AllowedTotal.With(nil).Inc()
}

// IncDenied increments the total number of denied requests.
func (pm *PrometheusMetrics) IncDenied() {
	pm.DeniedTotal.With(nil).Inc()
}

// IncBackendErrors increments the total number of failed backend calls.
func (pm *PrometheusMetrics) IncBackendErrors() {
	pm.BackendErrorsTotal.With(nil).Inc()
}

// ObserveBackendCall observes the duration of one backend round trip.
func (pm *PrometheusMetrics) ObserveBackendCall(dur time.Duration) {
	pm.BackendCallDuration.With(nil).Observe(dur.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) IncAllowed()                      {}
func (disabledMetrics) IncDenied()                       {}
func (disabledMetrics) IncBackendErrors()                {}
func (disabledMetrics) ObserveBackendCall(time.Duration) {}
