// Package metrics holds the Prometheus collectors for the auth core. All
// recording methods accept a nil *Metrics so callers never need to check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginAttemptsTotal    *prometheus.CounterVec
	KeyValidationsTotal   *prometheus.CounterVec
	UsageLogFailuresTotal *prometheus.CounterVec
}

// New creates and registers all metrics on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tmarks_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tmarks_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tmarks_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		KeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tmarks_api_key_validations_total",
				Help: "API key validations by result",
			},
			[]string{"result"},
		),
		UsageLogFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tmarks_usage_log_failures_total",
				Help: "Swallowed failures while recording API key usage",
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.KeyValidationsTotal,
		m.UsageLogFailuresTotal,
	)
	return m
}

// Login records a login attempt outcome ("success", "user_not_found",
// "invalid_password", "error").
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// KeyValidation records the result of one API key validation.
func (m *Metrics) KeyValidation(result string) {
	if m == nil {
		return
	}
	m.KeyValidationsTotal.WithLabelValues(result).Inc()
}

// UsageLogFailure records a swallowed usage-log error at stage ("insert",
// "prune", "touch").
func (m *Metrics) UsageLogFailure(stage string) {
	if m == nil {
		return
	}
	m.UsageLogFailuresTotal.WithLabelValues(stage).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
