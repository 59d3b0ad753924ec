package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	// Operation metrics
	OpsTotal    prometheus.CounterVec
	OpsDuration prometheus.Histogram
	OpsErrors   prometheus.CounterVec

	// Partition metrics
	VBucketsByState prometheus.GaugeVec
	HighSeqno       prometheus.GaugeVec

	// Memory metrics
	MemUsedBytes       prometheus.Gauge
	MemQuotaBytes      prometheus.Gauge
	CheckpointMemBytes prometheus.Gauge
	ItemPagerRunsTotal prometheus.Counter
	ItemsEvictedTotal  prometheus.Counter
	ItemsExpiredTotal  prometheus.Counter

	// Flusher metrics
	FlushesTotal      prometheus.Counter
	FlushDuration     prometheus.Histogram
	FlushedItemsTotal prometheus.Counter

	// Durability metrics
	SyncWritesCommitted prometheus.Counter
	SyncWritesAborted   prometheus.Counter
	SyncWritesTracked   prometheus.Gauge

	// Change-stream metrics
	DcpConnections  prometheus.Gauge
	DcpStreamsTotal prometheus.Counter
	DcpItemsSent    prometheus.Counter
	DcpBytesSent    prometheus.Counter
	DcpBackfills    prometheus.Counter

	// Background fetch metrics
	BGFetchesTotal  prometheus.Counter
	BGFetchDuration prometheus.Histogram
	BloomFilterHits prometheus.Counter

	// Warm-up metrics
	WarmupDuration prometheus.Gauge
	WarmupItems    prometheus.Gauge
}

// New creates and registers all instruments under the riptide namespace.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		OpsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "engine",
			Name:        "ops_total",
			Help:        "Total operations by kind",
			ConstLabels: labels,
		}, []string{"op"}),
		OpsDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "riptide",
			Subsystem:   "engine",
			Name:        "ops_duration_seconds",
			Help:        "Histogram of operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		OpsErrors: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "engine",
			Name:        "ops_errors_total",
			Help:        "Total operation failures by status",
			ConstLabels: labels,
		}, []string{"status"}),

		VBucketsByState: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "vbucket",
			Name:        "count_by_state",
			Help:        "Partitions by lifecycle state",
			ConstLabels: labels,
		}, []string{"state"}),
		HighSeqno: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "vbucket",
			Name:        "high_seqno",
			Help:        "High seqno per partition",
			ConstLabels: labels,
		}, []string{"vb"}),

		MemUsedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "memory",
			Name:        "used_bytes",
			Help:        "Estimated engine memory in use",
			ConstLabels: labels,
		}),
		MemQuotaBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "memory",
			Name:        "quota_bytes",
			Help:        "Configured memory quota",
			ConstLabels: labels,
		}),
		CheckpointMemBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "checkpoint",
			Name:        "mem_bytes",
			Help:        "Memory held by checkpoint queues",
			ConstLabels: labels,
		}),
		ItemPagerRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "pager",
			Name:        "runs_total",
			Help:        "Item pager passes",
			ConstLabels: labels,
		}),
		ItemsEvictedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "pager",
			Name:        "items_evicted_total",
			Help:        "Values ejected by the item pager",
			ConstLabels: labels,
		}),
		ItemsExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "pager",
			Name:        "items_expired_total",
			Help:        "Documents expired by the expiry pager",
			ConstLabels: labels,
		}),

		FlushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "flusher",
			Name:        "flushes_total",
			Help:        "Flusher batches committed",
			ConstLabels: labels,
		}),
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "riptide",
			Subsystem:   "flusher",
			Name:        "flush_duration_seconds",
			Help:        "Histogram of flush batch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FlushedItemsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "flusher",
			Name:        "items_total",
			Help:        "Items persisted by the flusher",
			ConstLabels: labels,
		}),

		SyncWritesCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "durability",
			Name:        "commits_total",
			Help:        "Synchronous writes committed",
			ConstLabels: labels,
		}),
		SyncWritesAborted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "durability",
			Name:        "aborts_total",
			Help:        "Synchronous writes aborted",
			ConstLabels: labels,
		}),
		SyncWritesTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "durability",
			Name:        "tracked",
			Help:        "Synchronous writes in flight",
			ConstLabels: labels,
		}),

		DcpConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "dcp",
			Name:        "connections",
			Help:        "Live producer connections",
			ConstLabels: labels,
		}),
		DcpStreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "dcp",
			Name:        "streams_total",
			Help:        "Streams ever opened",
			ConstLabels: labels,
		}),
		DcpItemsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "dcp",
			Name:        "items_sent_total",
			Help:        "Frames sent to consumers",
			ConstLabels: labels,
		}),
		DcpBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "dcp",
			Name:        "bytes_sent_total",
			Help:        "Bytes sent to consumers",
			ConstLabels: labels,
		}),
		DcpBackfills: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "dcp",
			Name:        "backfills_total",
			Help:        "Disk backfills started",
			ConstLabels: labels,
		}),

		BGFetchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "bgfetch",
			Name:        "fetches_total",
			Help:        "Background disk fetches",
			ConstLabels: labels,
		}),
		BGFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "riptide",
			Subsystem:   "bgfetch",
			Name:        "duration_seconds",
			Help:        "Histogram of background fetch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		BloomFilterHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "riptide",
			Subsystem:   "bgfetch",
			Name:        "bloom_short_circuits_total",
			Help:        "Reads answered KeyMissing by the bloom filter",
			ConstLabels: labels,
		}),

		WarmupDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "warmup",
			Name:        "duration_seconds",
			Help:        "Time warm-up took",
			ConstLabels: labels,
		}),
		WarmupItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "riptide",
			Subsystem:   "warmup",
			Name:        "items_loaded",
			Help:        "Items loaded during warm-up",
			ConstLabels: labels,
		}),
	}
}

// RecordOp records one completed operation.
func (m *Metrics) RecordOp(op string, seconds float64) {
	m.OpsTotal.WithLabelValues(op).Inc()
	m.OpsDuration.Observe(seconds)
}

// RecordOpError records one failed operation.
func (m *Metrics) RecordOpError(statusName string) {
	m.OpsErrors.WithLabelValues(statusName).Inc()
}

// UpdateVBucketCounts sets the per-state partition gauges.
func (m *Metrics) UpdateVBucketCounts(active, replica, pending, dead int64) {
	m.VBucketsByState.WithLabelValues("active").Set(float64(active))
	m.VBucketsByState.WithLabelValues("replica").Set(float64(replica))
	m.VBucketsByState.WithLabelValues("pending").Set(float64(pending))
	m.VBucketsByState.WithLabelValues("dead").Set(float64(dead))
}

// UpdateMemory sets the memory gauges.
func (m *Metrics) UpdateMemory(used, quota uint64) {
	m.MemUsedBytes.Set(float64(used))
	m.MemQuotaBytes.Set(float64(quota))
}
