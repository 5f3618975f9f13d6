package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event store
type Metrics struct {
	// Append path
	AppendsTotal   prometheus.Counter
	AppendedEvents prometheus.Counter
	AppendDuration prometheus.Histogram
	DeletesTotal   prometheus.Counter

	// Read path
	ReadsTotal   prometheus.Counter
	ReadDuration prometheus.Histogram

	// Subscriptions
	SubscriptionsActive prometheus.Gauge
	SubscribersDropped  prometheus.Counter

	// Chunk log
	ChunkCount         prometheus.Gauge
	CheckpointPosition prometheus.Gauge

	// Index
	MemTableEntries prometheus.Gauge
	SSTablesByLevel *prometheus.GaugeVec
	StreamsTotal    prometheus.Gauge
}

// New creates and registers all metrics with the given registerer
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		AppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "appends_total",
			Help:        "Total number of successful append batches",
			ConstLabels: labels,
		}),
		AppendedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "appended_events_total",
			Help:        "Total number of events committed",
			ConstLabels: labels,
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "append_duration_seconds",
			Help:        "Histogram of append batch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "deletes_total",
			Help:        "Total number of stream tombstones written",
			ConstLabels: labels,
		}),
		ReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "reads_total",
			Help:        "Total number of stream reads",
			ConstLabels: labels,
		}),
		ReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "strand",
			Subsystem:   "engine",
			Name:        "read_duration_seconds",
			Help:        "Histogram of stream read durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "subscriptions",
			Name:        "active",
			Help:        "Current number of live subscriptions",
			ConstLabels: labels,
		}),
		SubscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strand",
			Subsystem:   "subscriptions",
			Name:        "dropped_total",
			Help:        "Total number of subscribers dropped for falling behind",
			ConstLabels: labels,
		}),
		ChunkCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "chunklog",
			Name:        "chunks",
			Help:        "Current number of chunk files",
			ConstLabels: labels,
		}),
		CheckpointPosition: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "chunklog",
			Name:        "checkpoint_position",
			Help:        "Highest durably-committed log position",
			ConstLabels: labels,
		}),
		MemTableEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "index",
			Name:        "memtable_entries",
			Help:        "Entries in the active memtable",
			ConstLabels: labels,
		}),
		SSTablesByLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "index",
			Name:        "sstables",
			Help:        "Live SSTables per level",
			ConstLabels: labels,
		}, []string{"level"}),
		StreamsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Subsystem:   "catalog",
			Name:        "streams",
			Help:        "Number of known streams",
			ConstLabels: labels,
		}),
	}
}
