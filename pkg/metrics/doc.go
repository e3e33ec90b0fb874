/*
Package metrics provides Prometheus metrics collection and exposition for
the storage engine.

Metrics are declared as package-level vars and registered with the default
Prometheus registry in init(), following the pattern used throughout this
codebase: no runtime registration, no dependency injection, just import the
package and the metric exists.

# Catalog

VFD / kernel fd budget:

	weaverdb_vfd_open_total            gauge
	weaverdb_vfd_evictions_total       counter
	weaverdb_vfd_reopens_total         counter

Storage manager:

	weaverdb_smgr_blocks_read_total{rel}      counter
	weaverdb_smgr_blocks_written_total{rel}   counter
	weaverdb_shadow_log_replayed_pages_total  counter

Transaction log / id allocator:

	weaverdb_xid_allocation_batches_total           counter
	weaverdb_xid_current                            gauge
	weaverdb_transactions_committed_total{durability} counter
	weaverdb_transactions_aborted_total             counter
	weaverdb_recovery_swept_xids_total              counter

Heap access:

	weaverdb_heap_tuples_inserted_total{rel}   counter
	weaverdb_heap_tuples_updated_total{rel}    counter
	weaverdb_heap_tuples_deleted_total{rel}    counter
	weaverdb_heap_scan_tuples_read_total{rel}  counter

Blob storage:

	weaverdb_blob_segments_written_total  counter
	weaverdb_blob_bytes_written_total     counter
	weaverdb_blob_bytes_read_total        counter

Freespace:

	weaverdb_freespace_runs{rel}              gauge
	weaverdb_freespace_extensions_total{rel}  counter

Vacuum:

	weaverdb_vacuum_pass_duration_seconds{pass}        histogram
	weaverdb_vacuum_tuples_reclaimed_total{rel}        counter
	weaverdb_vacuum_index_divergence_total{rel}        counter

Pool-sweep workers:

	weaverdb_poolsweep_queue_depth{db}                 gauge
	weaverdb_poolsweep_jobs_processed_total{kind,outcome} counter
	weaverdb_poolsweep_job_duration_seconds{kind}      histogram

# Usage

	import "github.com/weaverdb/wdbengine/pkg/metrics"

	metrics.HeapTuplesInserted.WithLabelValues("accounts").Inc()

	timer := metrics.NewTimer()
	runVacuumPass()
	timer.ObserveDurationVec(metrics.VacuumPassDuration, "scan")

	http.Handle("/metrics", metrics.Handler())

See pkg/health for liveness/readiness reporting, which is deliberately kept
separate from metric exposition.
*/
package metrics
