package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VFS / kernel fd budget
	VFDOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weaverdb_vfd_open_total",
			Help: "Number of VFD entries currently holding an open kernel fd",
		},
	)

	VFDEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_vfd_evictions_total",
			Help: "Total number of VFD entries closed to stay within the kernel fd budget",
		},
	)

	VFDReopens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_vfd_reopens_total",
			Help: "Total number of times a pinned VFD had to reopen a previously evicted kernel fd",
		},
	)

	// Storage manager
	SmgrBlocksRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_smgr_blocks_read_total",
			Help: "Total number of blocks read through the storage manager",
		},
		[]string{"rel"},
	)

	SmgrBlocksWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_smgr_blocks_written_total",
			Help: "Total number of blocks written through the storage manager",
		},
		[]string{"rel"},
	)

	ShadowLogReplayedPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_shadow_log_replayed_pages_total",
			Help: "Total number of full-page images replayed from the shadow log at startup",
		},
	)

	// Transaction log / id allocator
	XidAllocationBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_xid_allocation_batches_total",
			Help: "Total number of prefetch batches drawn from the variable relation",
		},
	)

	XidCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weaverdb_xid_current",
			Help: "Most recently allocated transaction id",
		},
	)

	TransactionsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_transactions_committed_total",
			Help: "Total number of committed transactions by durability",
		},
		[]string{"durability"}, // "hard" or "soft"
	)

	TransactionsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_transactions_aborted_total",
			Help: "Total number of aborted transactions",
		},
	)

	RecoverySweptXids = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_recovery_swept_xids_total",
			Help: "Total number of transaction ids rewritten to aborted during crash recovery",
		},
	)

	// Heap access
	HeapTuplesInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_heap_tuples_inserted_total",
			Help: "Total number of tuples inserted",
		},
		[]string{"rel"},
	)

	HeapTuplesUpdated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_heap_tuples_updated_total",
			Help: "Total number of tuples updated",
		},
		[]string{"rel"},
	)

	HeapTuplesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_heap_tuples_deleted_total",
			Help: "Total number of tuples deleted",
		},
		[]string{"rel"},
	)

	HeapScanTuplesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_heap_scan_tuples_read_total",
			Help: "Total number of tuples examined by sequential scans",
		},
		[]string{"rel"},
	)

	// Blob storage
	BlobSegmentsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_blob_segments_written_total",
			Help: "Total number of blob segments written",
		},
	)

	BlobBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_blob_bytes_written_total",
			Help: "Total number of blob payload bytes written",
		},
	)

	BlobBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weaverdb_blob_bytes_read_total",
			Help: "Total number of blob payload bytes read back through a read pipeline",
		},
	)

	// Freespace
	FreespaceRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weaverdb_freespace_runs",
			Help: "Current number of live freespace runs tracked per relation",
		},
		[]string{"rel"},
	)

	FreespaceExtensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_freespace_extensions_total",
			Help: "Total number of relation extensions performed by the freespace engine",
		},
		[]string{"rel"},
	)

	// Vacuum
	VacuumPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaverdb_vacuum_pass_duration_seconds",
			Help:    "Time taken by a vacuum pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass"}, // "scan" or "reclaim"
	)

	VacuumTuplesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_vacuum_tuples_reclaimed_total",
			Help: "Total number of dead tuples reclaimed by vacuum",
		},
		[]string{"rel"},
	)

	VacuumIndexDivergence = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_vacuum_index_divergence_total",
			Help: "Total number of times index bulk-delete removed a different count than expected",
		},
		[]string{"rel"},
	)

	// Pool-sweep workers
	PoolSweepQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weaverdb_poolsweep_queue_depth",
			Help: "Current number of queued jobs per database worker",
		},
		[]string{"db"},
	)

	PoolSweepJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaverdb_poolsweep_jobs_processed_total",
			Help: "Total number of pool-sweep jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: "ok" or "error"
	)

	PoolSweepJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaverdb_poolsweep_job_duration_seconds",
			Help:    "Time taken to run one pool-sweep job in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		VFDOpen, VFDEvictions, VFDReopens,
		SmgrBlocksRead, SmgrBlocksWritten, ShadowLogReplayedPages,
		XidAllocationBatches, XidCurrent, TransactionsCommitted, TransactionsAborted, RecoverySweptXids,
		HeapTuplesInserted, HeapTuplesUpdated, HeapTuplesDeleted, HeapScanTuplesRead,
		BlobSegmentsWritten, BlobBytesWritten, BlobBytesRead,
		FreespaceRuns, FreespaceExtensions,
		VacuumPassDuration, VacuumTuplesReclaimed, VacuumIndexDivergence,
		PoolSweepQueueDepth, PoolSweepJobsProcessed, PoolSweepJobDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
