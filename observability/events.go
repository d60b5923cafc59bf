package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks the audit stream.
type EventMetrics struct {
	emitted *prometheus.CounterVec
	dropped prometheus.Counter
	failed  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking audit events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events accepted for delivery segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Audit events discarded because the delivery queue was full.",
			}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "sink_failures_total",
				Help:      "Audit sink delivery failures segmented by sink.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped, eventRegistry.failed)
	})
	return eventRegistry
}

// RecordEmitted counts an accepted audit event.
func (m *EventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalize(eventType)).Inc()
}

// RecordDropped counts an audit event lost to back pressure.
func (m *EventMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// RecordSinkFailure counts a failed delivery attempt.
func (m *EventMetrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(normalize(sink)).Inc()
}
