// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine emits.
type Metrics struct {
	NodeExecutions    *prometheus.CounterVec
	NodeDuration      *prometheus.HistogramVec
	RetriesTotal      prometheus.Counter
	InstancesActive   prometheus.Gauge
	InstancesTotal    *prometheus.CounterVec
	EventsPublished   prometheus.Counter
	ApprovalsResolved *prometheus.CounterVec
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstate",
			Name:      "node_executions_total",
			Help:      "Node handler invocations by kind and outcome.",
		}, []string{"kind", "status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowstate",
			Name:      "node_duration_seconds",
			Help:      "Node handler execution time by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowstate",
			Name:      "node_retries_total",
			Help:      "Node dispatches re-queued by retry policy.",
		}),
		InstancesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowstate",
			Name:      "instances_active",
			Help:      "Execution instances currently running.",
		}),
		InstancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstate",
			Name:      "instances_total",
			Help:      "Execution instances by terminal status.",
		}, []string{"status"}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowstate",
			Name:      "events_published_total",
			Help:      "Transition events published to the broadcaster.",
		}),
		ApprovalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstate",
			Name:      "approvals_resolved_total",
			Help:      "Approval requests by resolution.",
		}, []string{"resolution"}),
	}
}

// Nop returns metrics backed by an unexposed registry, for callers that
// do not scrape.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
