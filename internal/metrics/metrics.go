// Package metrics holds the pipeline's Prometheus instruments on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homesignal"

// Message outcomes.
const (
	ResultAccepted = "accepted"
	ResultDropped  = "dropped"
	ResultIgnored  = "ignored"
)

type Metrics struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	parseFailures  prometheus.Counter
	persistErrors  prometheus.Counter
	triggers       *prometheus.CounterVec
	readings       prometheus.Counter
	broadcastDrops prometheus.Counter
	automation     *prometheus.CounterVec
	projection     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Bus messages received, by outcome",
		}, []string{"result"}),

		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Payloads that could not be decoded",
		}),

		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Projections that failed to persist",
		}),

		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger events emitted, by trigger type",
		}, []string{"trigger_type"}),

		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Sensor readings extracted",
		}),

		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Real-time messages dropped because the hub queue was full",
		}),

		automation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "log_entries_total",
			Help:      "Automation execution log entries, by phase",
		}, []string{"phase"}),

		projection: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_duration_seconds",
			Help:      "Time to map and project one message",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages, m.parseFailures, m.persistErrors, m.triggers, m.readings,
		m.broadcastDrops, m.automation, m.projection,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) ParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Metrics) Trigger(triggerType string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) Readings(n int) {
	if m == nil {
		return
	}
	m.readings.Add(float64(n))
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

// AutomationPhase satisfies automation.Recorder.
func (m *Metrics) AutomationPhase(phase string) {
	if m == nil {
		return
	}
	m.automation.WithLabelValues(phase).Inc()
}

func (m *Metrics) ObserveProjection(d time.Duration) {
	if m == nil {
		return
	}
	m.projection.Observe(d.Seconds())
}
