package entitlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	credits  *prometheus.CounterVec
	trials   *prometheus.CounterVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotakit",
				Subsystem: "service",
				Name:      "credit_spends_total",
				Help:      "Credit spend requests by outcome.",
			},
			[]string{"outcome"},
		),
		trials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotakit",
				Subsystem: "service",
				Name:      "trial_spends_total",
				Help:      "Trial session requests by outcome.",
			},
			[]string{"outcome"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotakit",
				Subsystem: "service",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status code.",
			},
			[]string{"route", "method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotakit",
				Subsystem: "service",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	reg.MustRegister(m.credits, m.trials, m.requests, m.duration)
	return m
}

func (m *metrics) credit(outcome string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(outcome).Inc()
}

func (m *metrics) trial(outcome string) {
	if m == nil {
		return
	}
	m.trials.WithLabelValues(outcome).Inc()
}

func (m *metrics) request(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, statusLabel(code)).Inc()
	m.duration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
