// Package metrics exposes the relay pool supervisor's operational metrics
// as Prometheus collectors: fleet size, per-node latency, rotation counts,
// and restart counts, registered once at process start and served over
// /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus collector the supervisor reports into.
// It implements supervisor.Metrics. A Registry is constructed once per
// process and injected into the supervisor; there is no package-level
// global registry.
type Registry struct {
	nodesTotal   prometheus.Gauge
	nodesUp      prometheus.Gauge
	nodeLatency  *prometheus.GaugeVec
	newnymTotal  *prometheus.CounterVec
	restartTotal *prometheus.CounterVec
}

// NewRegistry creates and registers the supervisor's collectors against
// reg. Pass prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process-wide default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		nodesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodes_total",
			Help: "Number of relay slots the pool is configured to maintain.",
		}),
		nodesUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodes_up",
			Help: "Number of relay instances currently considered healthy.",
		}),
		nodeLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_latency_ms",
			Help: "Latency in milliseconds of the most recent successful health check per node.",
		}, []string{"node_id"}),
		newnymTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "newnym_total",
			Help: "Total number of successful SIGNAL NEWNYM rotations per node.",
		}, []string{"node_id"}),
		restartTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "restarts_total",
			Help: "Total number of times a node has been restarted after a rotation attempt could not reach its control port.",
		}, []string{"node_id"}),
	}
}

// SetNodesTotal records the configured pool size.
func (r *Registry) SetNodesTotal(n int) { r.nodesTotal.Set(float64(n)) }

// SetNodesUp records the current count of healthy instances.
func (r *Registry) SetNodesUp(n int) { r.nodesUp.Set(float64(n)) }

// ObserveLatency records a node's most recent health-check latency.
func (r *Registry) ObserveLatency(nodeID string, ms float64) {
	r.nodeLatency.WithLabelValues(nodeID).Set(ms)
}

// IncNewnym increments a node's rotation counter.
func (r *Registry) IncNewnym(nodeID string) {
	r.newnymTotal.WithLabelValues(nodeID).Inc()
}

// IncRestart increments a node's restart counter.
func (r *Registry) IncRestart(nodeID string) {
	r.restartTotal.WithLabelValues(nodeID).Inc()
}
