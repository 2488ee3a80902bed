// Package metrics exposes Prometheus counters and gauges for the
// bridge node, grounded on runtime/metrics/prometheus's metrics-plus-
// registry pattern, adapted to mount under the control plane's own
// HTTP server rather than run a standalone listener (SPEC_FULL.md §2).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kizuna_bridge"

// Registry bundles the node's metrics collectors behind a dedicated
// Prometheus registry, plus the Go runtime/process collectors. Each
// Registry owns its own collector instances so that two Nodes in the
// same process never alias each other's gauge/counter state.
type Registry struct {
	reg *prometheus.Registry

	peersConnected         prometheus.Gauge
	peersObservedTotal     prometheus.Gauge
	tasksSentTotal         *prometheus.CounterVec
	tasksReceivedTotal     prometheus.Counter
	retryAttemptsTotal     prometheus.Counter
	deadLetterSize         prometheus.Gauge
	signatureFailuresTotal prometheus.Counter
}

// NewRegistry creates a Registry with a fresh set of bridge metrics,
// all registered against a fresh Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peer sessions",
		}),
		peersObservedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_observed_total",
			Help:      "Number of distinct peer public keys ever observed, including self",
		}),
		tasksSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_sent_total",
				Help:      "Total number of tasks submitted, by initial outcome",
			},
			[]string{"outcome"}, // outcome: delivered, broadcast, queued_for_retry
		),
		tasksReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_received_total",
			Help:      "Total number of inbound task_request frames accepted",
		}),
		retryAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry-reaper re-send attempts",
		}),
		deadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_size",
			Help:      "Current number of tasks in the dead-letter table",
		}),
		signatureFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Total number of envelopes dropped for failing signature verification",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.peersConnected,
		r.peersObservedTotal,
		r.tasksSentTotal,
		r.tasksReceivedTotal,
		r.retryAttemptsTotal,
		r.deadLetterSize,
		r.signatureFailuresTotal,
	} {
		r.reg.MustRegister(c)
	}
	r.reg.MustRegister(collectors.NewGoCollector())
	r.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// Handler returns the http.Handler to mount at the control plane's
// /metrics path.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetPeersConnected records the current live peer count.
func (r *Registry) SetPeersConnected(n int) { r.peersConnected.Set(float64(n)) }

// SetPeersObserved records the current observed-peers set size.
func (r *Registry) SetPeersObserved(n int) { r.peersObservedTotal.Set(float64(n)) }

// RecordTaskSent records a task submission outcome.
func (r *Registry) RecordTaskSent(outcome string) { r.tasksSentTotal.WithLabelValues(outcome).Inc() }

// RecordTaskReceived records an accepted inbound task_request.
func (r *Registry) RecordTaskReceived() { r.tasksReceivedTotal.Inc() }

// RecordRetryAttempt records one retry-reaper re-send.
func (r *Registry) RecordRetryAttempt() { r.retryAttemptsTotal.Inc() }

// SetDeadLetterSize records the current dead-letter table size.
func (r *Registry) SetDeadLetterSize(n int) { r.deadLetterSize.Set(float64(n)) }

// RecordSignatureFailure records a dropped, badly-signed envelope.
func (r *Registry) RecordSignatureFailure() { r.signatureFailuresTotal.Inc() }
