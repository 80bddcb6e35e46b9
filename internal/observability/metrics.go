package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess  = "success"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid_quantity"
	ResultConflict = "conflict_exhausted"
	ResultError    = "error"

	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
)

// Metrics exposes Prometheus collectors for mutations, broadcasts and live sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mutations      *prometheus.CounterVec
	casConflicts   prometheus.Counter
	deliveries     *prometheus.CounterVec
	publishedTotal *prometheus.CounterVec
	liveSessions   prometheus.Gauge
}

// NewMetrics constructs and registers the collectors on reg. Tests should pass
// a fresh prometheus.NewRegistry() to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventory_sync",
				Subsystem: "processor",
				Name:      "mutations_total",
				Help:      "Stock mutations by source and result.",
			},
			[]string{"source", "result"},
		),
		casConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inventory_sync",
				Subsystem: "processor",
				Name:      "revision_conflicts_total",
				Help:      "Optimistic revision mismatches that forced a retry.",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventory_sync",
				Subsystem: "broadcaster",
				Name:      "deliveries_total",
				Help:      "Per-session broadcast deliveries by result.",
			},
			[]string{"result"},
		),
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventory_sync",
				Subsystem: "broadcaster",
				Name:      "published_total",
				Help:      "Events published per topic.",
			},
			[]string{"topic"},
		),
		liveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "inventory_sync",
				Subsystem: "registry",
				Name:      "live_sessions",
				Help:      "Currently connected live sessions.",
			},
		),
	}
	reg.MustRegister(m.mutations, m.casConflicts, m.deliveries, m.publishedTotal, m.liveSessions)
	return m
}

func (m *Metrics) ObserveMutation(source, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePublish(topic string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

// MutationCounter returns the counter for one source/result pair.
func (m *Metrics) MutationCounter(source, result string) prometheus.Counter {
	return m.mutations.WithLabelValues(source, result)
}

func (m *Metrics) ConflictCounter() prometheus.Counter {
	return m.casConflicts
}

func (m *Metrics) DeliveryCounter(result string) prometheus.Counter {
	return m.deliveries.WithLabelValues(result)
}

func (m *Metrics) LiveSessionsGauge() prometheus.Gauge {
	return m.liveSessions
}
