// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsReadTotal counts rows consumed from input files.
	RowsReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanengine_rows_read_total",
		Help: "Total number of rows read from input files",
	}, []string{"component"})

	// RowsWrittenTotal counts rows that survived the pipeline and were written.
	RowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanengine_rows_written_total",
		Help: "Total number of rows written to output files",
	}, []string{"component"})

	// RowsDroppedTotal counts rows dropped, broken down by reason.
	RowsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanengine_rows_dropped_total",
		Help: "Total number of rows dropped, by reason",
	}, []string{"reason"})

	// DedupCacheSize reports the current in-memory dedup key count.
	DedupCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cleanengine_dedup_cache_size",
		Help: "Current number of keys held in the in-memory dedup set",
	})

	// DedupSpillTransitionsTotal counts memory-to-spill transitions.
	DedupSpillTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cleanengine_dedup_spill_transitions_total",
		Help: "Total number of dedup set memory-to-spill transitions",
	})

	// ChunkDurationSeconds times chunk processing stages.
	ChunkDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cleanengine_chunk_duration_seconds",
		Help:    "Time spent processing a single chunk, by pipeline component",
		Buckets: prometheus.DefBuckets,
	}, []string{"component"})

	// JobDurationSeconds times whole jobs.
	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cleanengine_job_duration_seconds",
		Help:    "Total wall-clock duration of a job, by job kind",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})

	// MemoryUtilization mirrors the memory monitor's 0..1 utilization scalar.
	MemoryUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cleanengine_memory_utilization",
		Help: "Current process RSS as a fraction of total system memory",
	})

	// JobsActive reports the number of jobs currently running (0 or 1; the
	// engine runs one job per process, see the concurrency model).
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cleanengine_jobs_active",
		Help: "Number of jobs currently running",
	})

	// JobsFailedTotal counts failed jobs by job kind.
	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanengine_jobs_failed_total",
		Help: "Total number of failed jobs, by job kind",
	}, []string{"kind"})

	// ChunkSizeCurrent reports the streaming processor's live chunk size.
	ChunkSizeCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cleanengine_chunk_size_current",
		Help: "Current adaptive chunk size in rows",
	})

	// BackupsRetained reports how many backup files exist for the most
	// recently finalized output path.
	BackupsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cleanengine_backups_retained",
		Help: "Number of output backup files currently retained",
	})

	// DiskUsageBytes reports used bytes on the filesystem of each path the
	// disk guard checks, labelled by the path and its base name.
	DiskUsageBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cleanengine_disk_usage_bytes",
		Help: "Used bytes on the filesystem holding a checked path",
	}, []string{"path", "device"})
)

// Handler returns the Prometheus scrape handler for mounting on the admin
// HTTP server.
func Handler() http.Handler {
	return promhttp.Handler()
}
