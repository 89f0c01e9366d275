package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "livesync"
)

var (
	// ReconnectResults counts reconnect results by status
	ReconnectResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_results_total",
			Help:      "Total number of reconnect results by status",
		},
		[]string{"status"}, // current/patched/snapshot/deleted
	)

	// ReconnectDuration measures batch processing latency
	ReconnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_duration_seconds",
			Help:      "Reconnect batch processing latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// ReconnectFailures counts reconnect requests that could not be processed
	ReconnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_failures_total",
			Help:      "Total number of reconnect requests that failed",
		},
	)

	// OpLogEntries tracks retained operation log entries
	OpLogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oplog_entries",
			Help:      "Number of retained operation log entries",
		},
	)

	// OpLogEvictions counts evicted operation log entries
	OpLogEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oplog_evictions_total",
			Help:      "Total number of evicted operation log entries",
		},
		[]string{"reason"}, // count/age
	)

	// EntityMutations counts canonical state changes
	EntityMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_mutations_total",
			Help:      "Total number of entity mutations",
		},
		[]string{"kind"}, // set/delete
	)

	// Entities tracks live canonical entities
	Entities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Number of live canonical entities",
		},
	)

	// Connections tracks open WebSocket connections
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		},
	)
)

// RecordReconnect records one processed reconnect batch.
func RecordReconnect(statuses []string, duration time.Duration) {
	for _, s := range statuses {
		ReconnectResults.WithLabelValues(s).Inc()
	}
	ReconnectDuration.Observe(duration.Seconds())
}

// RecordEvictions records evicted log entries.
func RecordEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	OpLogEvictions.WithLabelValues(reason).Add(float64(n))
}

// SetOpLogEntries sets the retained entry gauge.
func SetOpLogEntries(n int) {
	OpLogEntries.Set(float64(n))
}

// RecordMutation records a canonical state change.
func RecordMutation(kind string) {
	EntityMutations.WithLabelValues(kind).Inc()
}

// RecordConnection adjusts the connection gauge by delta.
func RecordConnection(delta int) {
	Connections.Add(float64(delta))
}

// SetEntities sets the live entity gauge.
func SetEntities(n int) {
	Entities.Set(float64(n))
}
