package metrics

import (
	"strconv"
	"time"
)

// RecordStorageOperation records a Put/Delete/Get call against the tree.
func (r *Registry) RecordStorageOperation(operation, status string, duration time.Duration) {
	r.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFlush records one memtable-to-sstable flush.
func (r *Registry) RecordFlush(duration time.Duration, rows int) {
	r.FlushesTotal.Inc()
	r.FlushDuration.Observe(duration.Seconds())
	r.FlushedRowsTotal.Add(float64(rows))
}

// RecordCompaction records one compaction job.
func (r *Registry) RecordCompaction(inputLevel int, status string, duration time.Duration, bytesRead, bytesWritten int64, tombstonesDropped int) {
	level := strconv.Itoa(inputLevel)
	r.CompactionsTotal.WithLabelValues(level, status).Inc()
	r.CompactionDuration.WithLabelValues(level).Observe(duration.Seconds())
	r.CompactionBytesRead.Add(float64(bytesRead))
	r.CompactionBytesWritten.Add(float64(bytesWritten))
	r.TombstonesDropped.Add(float64(tombstonesDropped))
}

// SetLevelStats updates the per-level sstable count and byte total gauges.
func (r *Registry) SetLevelStats(level, sstableCount int, totalBytes int64) {
	l := strconv.Itoa(level)
	r.SSTablesPerLevel.WithLabelValues(l).Set(float64(sstableCount))
	r.LevelSizeBytes.WithLabelValues(l).Set(float64(totalBytes))
}

// RecordBloomFilterCheck records whether a row group's bloom filter ruled a
// key out ("miss") or left it as a candidate ("hit").
func (r *Registry) RecordBloomFilterCheck(mayContain bool) {
	if mayContain {
		r.BloomFilterChecksTotal.WithLabelValues("hit").Inc()
	} else {
		r.BloomFilterChecksTotal.WithLabelValues("miss").Inc()
	}
}

// RecordZoneMapCheck records whether a row group's zone map ruled a key or
// range out ("miss") or left it as a candidate ("hit").
func (r *Registry) RecordZoneMapCheck(mayMatch bool) {
	if mayMatch {
		r.ZoneMapChecksTotal.WithLabelValues("hit").Inc()
	} else {
		r.ZoneMapChecksTotal.WithLabelValues("miss").Inc()
	}
}

// RecordWALAppend records one WAL entry append.
func (r *Registry) RecordWALAppend(bytesWritten int) {
	r.WALAppendsTotal.Inc()
	r.WALBytesWritten.Add(float64(bytesWritten))
}
