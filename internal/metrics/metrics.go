package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"netkeep/internal/models"
)

const namespace = "netkeep"

var (
	once     sync.Once
	registry *prometheus.Registry

	ConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_status",
		Help:      "1 for the current session status, 0 for every other status.",
	}, []string{"status"})

	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled by the connection manager.",
	})

	ConnectionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_failures_total",
		Help:      "Connection errors reported to the connection manager.",
	})

	QueueOperations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_operations",
		Help:      "Queued operations by status.",
	}, []string{"status"})

	ReplayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_replay_total",
		Help:      "Replay attempts by outcome.",
	}, []string{"outcome"})

	ProbeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_total",
		Help:      "Completed reachability scans by outcome.",
	}, []string{"outcome"})

	ProbeLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_latency_seconds",
		Help:      "Latency of the endpoint that answered a reachability scan.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"endpoint"})
)

var connectionStatuses = []models.ConnectionStatus{
	models.Disconnected,
	models.Connecting,
	models.Connected,
	models.Reconnecting,
	models.Errored,
}

// Registry returns the registry holding every netkeep collector.
func Registry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			ConnectionStatus,
			ReconnectsTotal,
			ConnectionFailuresTotal,
			QueueOperations,
			ReplayTotal,
			ProbeTotal,
			ProbeLatencySeconds,
		)
	})
	return registry
}

// SetConnectionStatus flips the status gauge so exactly one label is 1.
func SetConnectionStatus(current models.ConnectionStatus) {
	for _, s := range connectionStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

// SetQueueStatus publishes queue depth gauges.
func SetQueueStatus(st models.QueueStatus) {
	QueueOperations.WithLabelValues(string(models.StatusPending)).Set(float64(st.Pending))
	QueueOperations.WithLabelValues(string(models.StatusCompleted)).Set(float64(st.Completed))
	QueueOperations.WithLabelValues(string(models.StatusFailed)).Set(float64(st.Failed))
}

// ObserveProbe records a finished scan.
func ObserveProbe(r models.ProbeResult) {
	if !r.IsOnline {
		ProbeTotal.WithLabelValues("offline").Inc()
		return
	}
	ProbeTotal.WithLabelValues("online").Inc()
	ProbeLatencySeconds.WithLabelValues(r.Endpoint).Observe(r.Latency.Seconds())
}
