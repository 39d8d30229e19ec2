package definition

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a small, optional observability surface wired to a dedicated
// prometheus.Registry per node, so that multiple in-process nodes (as used
// by the integration tests) never collide on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	CSEntries       prometheus.Counter
	ElectionsStarted prometheus.Counter
	MutexFailures   prometheus.Counter
	DeadPeers       prometheus.Gauge
	ReplyLatency    prometheus.Histogram
}

// NewMetrics creates the metric set for one node, labeled by its id.
func NewMetrics(nodeID int) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": strconv.Itoa(nodeID)}

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		CSEntries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "node_cs_entries_total",
			Help:        "Number of times this node entered the critical section.",
			ConstLabels: labels,
		}),
		ElectionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "node_elections_started_total",
			Help:        "Number of election rounds this node initiated.",
			ConstLabels: labels,
		}),
		MutexFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "node_mutex_failures_total",
			Help:        "Number of Request() episodes that aborted on reply timeout.",
			ConstLabels: labels,
		}),
		DeadPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "node_dead_peers",
			Help:        "Current size of the dead_nodes membership view.",
			ConstLabels: labels,
		}),
		ReplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "node_mutex_reply_latency_seconds",
			Help:        "Time from REQUEST broadcast to the enough-replies signal.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// Handler exposes the node's metrics in the standard Prometheus exposition
// format; the caller decides whether and where to mount it (it is an
// opt-in surface, not a required one).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
