package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kiosk"

// OrderMetrics tracks order creation and state machine transitions.
type OrderMetrics struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// AdmissionMetrics tracks limiter and fraud scorer decisions.
type AdmissionMetrics struct {
	denied    *prometheus.CounterVec
	flagged   prometheus.Counter
	fallbacks *prometheus.CounterVec
}

// QuoteMetrics tracks price source health.
type QuoteMetrics struct {
	sourceErrors *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// PollerMetrics tracks settlement poller sweeps.
type PollerMetrics struct {
	sweeps   prometheus.Counter
	failures *prometheus.CounterVec
	advanced *prometheus.CounterVec
	duration prometheus.Histogram
}

var (
	orderOnce sync.Once
	orderReg  *OrderMetrics

	admissionOnce sync.Once
	admissionReg  *AdmissionMetrics

	quoteOnce sync.Once
	quoteReg  *QuoteMetrics

	pollerOnce sync.Once
	pollerReg  *PollerMetrics
)

// Orders returns the lazily-initialised order metrics registry.
func Orders() *OrderMetrics {
	orderOnce.Do(func() {
		orderReg = &OrderMetrics{
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "created_total",
				Help:      "Orders created segmented by order type and asset.",
			}, []string{"type", "asset"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "transitions_total",
				Help:      "Applied status transitions segmented by order type and edge.",
			}, []string{"type", "from", "to"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "rejected_transitions_total",
				Help:      "Transitions refused by a state machine guard.",
			}, []string{"type", "current", "attempted"}),
		}
		prometheus.MustRegister(orderReg.created, orderReg.transitions, orderReg.rejected)
	})
	return orderReg
}

// RecordCreated increments the creation counter.
func (m *OrderMetrics) RecordCreated(orderType, asset string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(normalize(orderType), strings.ToUpper(normalize(asset))).Inc()
}

// RecordTransition increments the transition counter for the supplied edge.
func (m *OrderMetrics) RecordTransition(orderType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalize(orderType), normalize(from), normalize(to)).Inc()
}

// RecordRejected counts a refused transition.
func (m *OrderMetrics) RecordRejected(orderType, current, attempted string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(normalize(orderType), normalize(current), normalize(attempted)).Inc()
}

// Admission returns the lazily-initialised admission metrics registry.
func Admission() *AdmissionMetrics {
	admissionOnce.Do(func() {
		admissionReg = &AdmissionMetrics{
			denied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "denied_total",
				Help:      "Requests denied by admission control segmented by gate and reason.",
			}, []string{"gate", "reason"}),
			flagged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "flagged_total",
				Help:      "Requests admitted with a medium fraud score.",
			}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "store_fallback_total",
				Help:      "Limiter decisions served by the in-process fallback window.",
			}, []string{"scope"}),
		}
		prometheus.MustRegister(admissionReg.denied, admissionReg.flagged, admissionReg.fallbacks)
	})
	return admissionReg
}

// RecordDenied counts a denial from the named gate.
func (m *AdmissionMetrics) RecordDenied(gate, reason string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(normalize(gate), normalize(reason)).Inc()
}

// RecordFlagged counts an admitted but flagged request.
func (m *AdmissionMetrics) RecordFlagged() {
	if m == nil {
		return
	}
	m.flagged.Inc()
}

// RecordStoreFallback counts a limiter decision that bypassed the primary store.
func (m *AdmissionMetrics) RecordStoreFallback(scope string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(normalize(scope)).Inc()
}

// Quotes returns the lazily-initialised quote metrics registry.
func Quotes() *QuoteMetrics {
	quoteOnce.Do(func() {
		quoteReg = &QuoteMetrics{
			sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quote",
				Name:      "source_errors_total",
				Help:      "Price source failures segmented by asset and source.",
			}, []string{"asset", "source"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quote",
				Name:      "fallback_total",
				Help:      "Quotes priced with the configured fallback price.",
			}, []string{"asset"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "quote",
				Name:      "source_duration_seconds",
				Help:      "Latency of upstream price source calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
		}
		prometheus.MustRegister(quoteReg.sourceErrors, quoteReg.fallbacks, quoteReg.latency)
	})
	return quoteReg
}

// RecordSourceError counts a failed upstream call.
func (m *QuoteMetrics) RecordSourceError(asset, source string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(strings.ToUpper(normalize(asset)), normalize(source)).Inc()
}

// RecordFallback counts a quote priced from configuration.
func (m *QuoteMetrics) RecordFallback(asset string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(strings.ToUpper(normalize(asset))).Inc()
}

// ObserveSource records the latency of a single upstream call.
func (m *QuoteMetrics) ObserveSource(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(normalize(source)).Observe(d.Seconds())
}

// Poller returns the lazily-initialised poller metrics registry.
func Poller() *PollerMetrics {
	pollerOnce.Do(func() {
		pollerReg = &PollerMetrics{
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "sweeps_total",
				Help:      "Completed settlement sweeps.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "failures_total",
				Help:      "Per-order failures during a sweep segmented by order type.",
			}, []string{"type"}),
			advanced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "advanced_total",
				Help:      "Orders moved by a sweep segmented by order type and outcome.",
			}, []string{"type", "outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "sweep_seconds",
				Help:      "Wall time of a settlement sweep.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(pollerReg.sweeps, pollerReg.failures, pollerReg.advanced, pollerReg.duration)
	})
	return pollerReg
}

// ObserveSweep records a finished sweep.
func (m *PollerMetrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.duration.Observe(d.Seconds())
}

// RecordFailure counts an order whose processing failed during a sweep.
func (m *PollerMetrics) RecordFailure(orderType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalize(orderType)).Inc()
}

// RecordAdvanced counts an order moved by a sweep.
func (m *PollerMetrics) RecordAdvanced(orderType, outcome string) {
	if m == nil {
		return
	}
	m.advanced.WithLabelValues(normalize(orderType), normalize(outcome)).Inc()
}

func normalize(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
