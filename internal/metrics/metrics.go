// Package metrics exposes monitoring counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry        *prometheus.Registry
	ticks           prometheus.Counter
	readings        prometheus.Counter
	anomalies       *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	publishFailures prometheus.Counter
	sessionFailures prometheus.Counter
	activeSessions  prometheus.Gauge
	tickLatency     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrotwin_ticks_total",
			Help: "Monitoring ticks completed across all sessions.",
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrotwin_readings_generated_total",
			Help: "Simulated SCADA readings produced.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrotwin_anomalies_total",
			Help: "Anomalies detected, by severity.",
		}, []string{"severity"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrotwin_persist_failures_total",
			Help: "Storage writes that failed during a tick, by operation.",
		}, []string{"op"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrotwin_publish_failures_total",
			Help: "Event bus publishes that failed.",
		}),
		sessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrotwin_session_failures_total",
			Help: "Monitoring sessions stopped by a fatal error.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrotwin_active_sessions",
			Help: "Monitoring sessions currently registered.",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrotwin_tick_duration_seconds",
			Help:    "Time spent generating, comparing and persisting one tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	m.Registry.MustRegister(
		m.ticks, m.readings, m.anomalies, m.persistFailures, m.publishFailures,
		m.sessionFailures, m.activeSessions, m.tickLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(readings int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.readings.Add(float64(readings))
	m.tickLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Anomaly(severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(severity).Inc()
}

func (m *Metrics) PersistFailure(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) PublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) SessionFailure() {
	if m == nil {
		return
	}
	m.sessionFailures.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
