package consumption

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	total    *prometheus.CounterVec
	confirm  prometheus.Histogram
	inflight prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotakit",
				Subsystem: "consumption",
				Name:      "total",
				Help:      "Credit consumptions by outcome.",
			},
			[]string{"outcome"},
		),
		confirm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotakit",
			Subsystem: "consumption",
			Name:      "confirm_seconds",
			Help:      "Time from optimistic spend to settlement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotakit",
			Subsystem: "consumption",
			Name:      "inflight",
			Help:      "Optimistic spends awaiting confirmation.",
		}),
	}
	reg.MustRegister(m.total, m.confirm, m.inflight)
	return m
}

func (m *metrics) started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *metrics) settled(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.total.WithLabelValues(outcome).Inc()
	m.confirm.Observe(elapsed.Seconds())
}

func (m *metrics) skipped() {
	if m == nil {
		return
	}
	m.total.WithLabelValues("not_applied").Inc()
}
