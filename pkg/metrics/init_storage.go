package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.StorageOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "columnforge_storage_operations_total",
			Help: "Total number of Put/Delete/Get operations against the tree",
		},
		[]string{"operation", "status"},
	)

	r.StorageOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "columnforge_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.StorageDiskUsageBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "columnforge_storage_disk_usage_bytes",
			Help: "Disk space used by WAL generations, SSTables, and the manifest",
		},
	)

	r.MemTableSizeBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "columnforge_memtable_size_bytes",
			Help: "Approximate resident size of the active memtable",
		},
	)

	r.MemTableRotationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_memtable_rotations_total",
			Help: "Total number of times the active memtable was rotated to immutable",
		},
	)

	r.ImmutableMemTablesQueued = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "columnforge_immutable_memtables_queued",
			Help: "Number of immutable memtables waiting to be flushed",
		},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_flushes_total",
			Help: "Total number of memtable-to-sstable flushes",
		},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "columnforge_flush_duration_seconds",
			Help:    "Time to flush one memtable to an sstable",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.FlushedRowsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_flushed_rows_total",
			Help: "Total number of rows written across all flushes",
		},
	)

	r.SSTablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "columnforge_sstables_per_level",
			Help: "Number of live sstables in each level",
		},
		[]string{"level"},
	)

	r.LevelSizeBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "columnforge_level_size_bytes",
			Help: "Total sstable bytes resident in each level",
		},
		[]string{"level"},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "columnforge_compactions_total",
			Help: "Total number of compaction jobs run",
		},
		[]string{"input_level", "status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "columnforge_compaction_duration_seconds",
			Help:    "Compaction job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"input_level"},
	)

	r.CompactionBytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_compaction_bytes_read_total",
			Help: "Total bytes of sstable data read by compaction jobs",
		},
	)

	r.CompactionBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_compaction_bytes_written_total",
			Help: "Total bytes written to new sstables by compaction jobs",
		},
	)

	r.TombstonesDropped = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_tombstones_dropped_total",
			Help: "Total number of tombstones discarded by a bottom-level compaction",
		},
	)

	r.BloomFilterChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "columnforge_bloom_filter_checks_total",
			Help: "Row group bloom filter checks during point lookups",
		},
		[]string{"result"}, // "hit" (may contain) or "miss" (definitely absent)
	)

	r.ZoneMapChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "columnforge_zone_map_checks_total",
			Help: "Row group zone map checks during point lookups and range scans",
		},
		[]string{"result"},
	)

	r.WALAppendsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_wal_appends_total",
			Help: "Total number of WAL entries appended",
		},
	)

	r.WALBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "columnforge_wal_bytes_written_total",
			Help: "Total bytes written to WAL generations",
		},
	)
}
