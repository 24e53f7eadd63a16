package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the storage engine exposes.
type Registry struct {
	// Storage operation metrics (Put/Delete/Get against the tree as a whole).
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageDiskUsageBytes    prometheus.Gauge

	// Memtable metrics.
	MemTableSizeBytes        prometheus.Gauge
	MemTableRotationsTotal   prometheus.Counter
	ImmutableMemTablesQueued prometheus.Gauge

	// SSTable / flush metrics.
	FlushesTotal     prometheus.Counter
	FlushDuration    prometheus.Histogram
	FlushedRowsTotal prometheus.Counter
	SSTablesPerLevel *prometheus.GaugeVec
	LevelSizeBytes   *prometheus.GaugeVec

	// Compaction metrics.
	CompactionsTotal       *prometheus.CounterVec
	CompactionDuration     *prometheus.HistogramVec
	CompactionBytesRead    prometheus.Counter
	CompactionBytesWritten prometheus.Counter
	TombstonesDropped      prometheus.Counter

	// Bloom filter / zone map pruning effectiveness.
	BloomFilterChecksTotal *prometheus.CounterVec
	ZoneMapChecksTotal     *prometheus.CounterVec

	// WAL metrics.
	WALAppendsTotal prometheus.Counter
	WALBytesWritten prometheus.Counter

	// System metrics.
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with every metric initialized.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initStorageMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry, for
// wiring into an HTTP /metrics handler.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
