package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	decisions  *prometheus.CounterVec
	cache      *prometheus.CounterVec
	validation *prometheus.HistogramVec
	adminRetry prometheus.Counter
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwdauth",
			Name:      "auth_decisions_total",
			Help:      "Forward-auth decisions by outcome.",
		}, []string{"decision"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwdauth",
			Name:      "credential_cache_lookups_total",
			Help:      "Credential cache lookups by result.",
		}, []string{"result"}),
		validation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fwdauth",
			Name:      "validator_duration_seconds",
			Help:      "Credential validation latency against the IdP.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheme", "result"}),
		adminRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fwdauth",
			Name:      "admin_token_retries_total",
			Help:      "Admin API calls retried after a token refresh.",
		}),
	}
	m.registry.MustRegister(m.decisions, m.cache, m.validation, m.adminRetry)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) decision(name string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(name).Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Metrics) observeValidation(scheme string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrIdPUnreachable):
		result = "unreachable"
	case err != nil:
		result = "rejected"
	}
	m.validation.WithLabelValues(scheme, result).Observe(d.Seconds())
}

func (m *Metrics) adminRetried() {
	if m == nil {
		return
	}
	m.adminRetry.Inc()
}
