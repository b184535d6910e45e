/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsRegistration(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{Namespace: "myservice"})
	pm.MustRegister()
	pm.Unregister()

	// Re-registration after unregistering must not panic.
	pm.MustRegister()
	pm.Unregister()
}

func TestPrometheusMetricsMustCurryWith(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{CurriedLabelNames: []string{"service"}})
	curried := pm.MustCurryWith(prometheus.Labels{"service": "api"})

	curried.IncAllowed()
	curried.IncDenied()
	curried.IncBackendErrors()

	require.Equal(t, 1, int(testutil.ToFloat64(curried.AllowedTotal.With(nil))))
	require.Equal(t, 1, int(testutil.ToFloat64(curried.DeniedTotal.With(nil))))
	require.Equal(t, 1, int(testutil.ToFloat64(curried.BackendErrorsTotal.With(nil))))
}
