package lsm

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/columnforge/pkg/logging"
)

// compactionOutputBudget bounds how large a single output SSTable from a
// compaction job is allowed to grow before it is finished and a new one
// started, so one oversized job doesn't produce one unreadable giant file.
const compactionOutputBudget = 4 * rowGroupTargetSize

// flushLoop drains the immutable memtable queue to disk, one memtable at a
// time, oldest first. Mirrors the ticker/signal-channel/stop-channel shape
// used for the WAL's own background flusher, adapted here to write whole
// SSTables instead of batching log appends.
func (t *Tree) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.drainFlushes()
			return
		case <-ticker.C:
			t.drainFlushes()
		case <-t.flushCh:
			t.drainFlushes()
		}
	}
}

func (t *Tree) drainFlushes() {
	for {
		t.mu.Lock()
		if len(t.immutables) == 0 {
			t.mu.Unlock()
			return
		}
		next := t.immutables[0]
		t.mu.Unlock()

		if err := t.flushOne(next); err != nil {
			t.logger.Error("flush failed", logging.Error(err))
			return
		}
	}
}

// flushOne writes one immutable memtable out as a single-level-0 SSTable,
// then removes it from the immutable queue and discards its WAL generation.
func (t *Tree) flushOne(pf *pendingFlush) error {
	start := time.Now()
	rows, err := pf.table.Flush()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return t.retirePendingFlush(pf, 0)
	}

	id := t.nextSSTID.Add(1) - 1
	path := sstablePath(t.opts.DataDir, id)
	builder, err := NewSSTableBuilder(t.schema, path)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.Tombstone {
			if err := builder.AddTombstone(r.Key); err != nil {
				return err
			}
			continue
		}
		if err := builder.Add(r.Key, r.Row); err != nil {
			return err
		}
	}
	minKey, maxKey, err := builder.Finish()
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	table, err := OpenSSTable(id, path, t.schema)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sstables[id] = table
	t.levels[0].AddSSTable(&LeveledSSTableMeta{
		ID: id, Level: 0, MinKey: minKey, MaxKey: maxKey, FileSize: info.Size(),
	})
	t.mu.Unlock()

	if err := t.manifest.AddSSTable(0, id, info.Size(), minKey, maxKey); err != nil {
		return err
	}

	if err := t.retirePendingFlush(pf, 1); err != nil {
		return err
	}

	t.metrics.RecordFlush(time.Since(start), len(rows))
	t.refreshLevelStats()

	t.logger.Info("flushed memtable",
		logging.SSTableID(id),
		logging.Count(len(rows)))
	t.TriggerCompaction()
	return nil
}

// refreshLevelStats recomputes the per-level sstable-count and byte-total
// gauges. Cheap enough to call after every flush and compaction since level
// counts stay small (MaxLevels) even though sstable counts within L0 can
// briefly spike before a compaction drains them.
func (t *Tree) refreshLevelStats() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, lvl := range t.levels {
		t.metrics.SetLevelStats(lvl.LevelNum, len(lvl.SSTables), lvl.TotalSize)
	}
}

// retirePendingFlush pops pf off the front of the immutable queue (popped
// must equal 1 if a new SSTable was produced, 0 for an empty memtable with
// nothing to write), deletes its WAL generation directory, and wakes any
// Put blocked on immutable-queue backpressure.
func (t *Tree) retirePendingFlush(pf *pendingFlush, _ int) error {
	t.mu.Lock()
	if len(t.immutables) > 0 && t.immutables[0] == pf {
		t.immutables = t.immutables[1:]
	}
	t.rotateCond.Broadcast()
	t.mu.Unlock()

	if pf.gen.dir != "" {
		return os.RemoveAll(pf.gen.dir)
	}
	return nil
}

// compactionLoop periodically asks the picker whether any level needs
// compacting and, if so, runs the job.
func (t *Tree) compactionLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.CompactionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.runOneCompaction()
		case <-t.compactCh:
			t.runOneCompaction()
		}
	}
}

func (t *Tree) runOneCompaction() {
	t.mu.RLock()
	levelsCopy := t.copyLevelsLocked()
	t.mu.RUnlock()

	job := PickCompaction(levelsCopy, t.opts.L1MaxBytes)
	if job == nil {
		return
	}

	// A uuid correlates every log line this job emits, since two jobs at
	// different levels can be in flight at once and their sequential
	// SSTable ids alone don't say which run they belong to.
	jobID := uuid.NewString()
	t.logger.Info("compaction started",
		logging.String("job_id", jobID),
		logging.Int("input_level", job.InputLevel),
		logging.Int("output_level", job.OutputLevel),
		logging.Bool("trivial_move", job.IsTrivialMove))

	start := time.Now()
	t.markCompacting(job, true)
	err := t.executeCompaction(job)
	t.markCompacting(job, false)

	status := "ok"
	if err != nil {
		status = "error"
		t.logger.Error("compaction failed",
			logging.String("job_id", jobID),
			logging.Int("input_level", job.InputLevel),
			logging.Error(err))
	} else {
		t.logger.Info("compaction finished",
			logging.String("job_id", jobID),
			logging.Duration("elapsed", time.Since(start)))
	}
	var bytesRead int64
	for _, s := range job.InputSSTables {
		bytesRead += s.FileSize
	}
	t.metrics.RecordCompaction(job.InputLevel, status, time.Since(start), bytesRead, 0, 0)
	t.refreshLevelStats()
}

func (t *Tree) markCompacting(job *CompactionJob, state bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark := func(metas []*LeveledSSTableMeta) {
		for _, s := range metas {
			for _, live := range t.levels[s.Level].SSTables {
				if live.ID == s.ID {
					live.BeingCompacted = state
				}
			}
		}
	}
	mark(job.InputSSTables)
	mark(job.OutputSSTables)
}

// executeCompaction merges job's input SSTables into one or more output
// SSTables at job.OutputLevel, or performs a trivial rename-only move when
// the picker determined there's no overlap to merge against.
func (t *Tree) executeCompaction(job *CompactionJob) error {
	if job.IsTrivialMove {
		return t.applyTrivialMove(job)
	}

	// The input files (from the shallower level) always carry the newer
	// version of any key they share with the overlapping destination-level
	// files, regardless of how their sequential ids happen to compare - a
	// destination file written by a recent compaction has a high id but
	// strictly older data. Priorities therefore tier by role first and use
	// ids only to order the (possibly overlapping) L0 inputs among
	// themselves.
	const destTier, inputTier = uint64(1) << 62, uint64(2) << 62

	t.mu.RLock()
	sources := make([]rowSource, 0, len(job.InputSSTables)+len(job.OutputSSTables))
	priorities := make([]uint64, 0, cap(sources))
	var retained []*SSTable
	addSource := func(meta *LeveledSSTableMeta, tier uint64) error {
		tbl := t.sstables[meta.ID]
		if tbl == nil {
			return fmt.Errorf("lsm: sstable %d missing from open set", meta.ID)
		}
		tbl.Retain()
		retained = append(retained, tbl)
		sources = append(sources, newTableRowIterator(tbl))
		priorities = append(priorities, tier+meta.ID)
		return nil
	}
	for _, meta := range job.InputSSTables {
		if err := addSource(meta, inputTier); err != nil {
			t.mu.RUnlock()
			releaseRetained(retained)
			return err
		}
	}
	for _, meta := range job.OutputSSTables {
		if err := addSource(meta, destTier); err != nil {
			t.mu.RUnlock()
			releaseRetained(retained)
			return err
		}
	}
	schema := t.schema
	levelsSnapshot := t.copyLevelsLocked()
	t.mu.RUnlock()
	// Held across the whole merge so the install step's Close on these
	// tables can't unmap them before the last row is read.
	defer releaseRetained(retained)

	merged, err := NewMergeIterator(sources, priorities, schema.PrimaryKeyType())
	if err != nil {
		return err
	}

	// A tombstone can be dropped once this job has seen every possible older
	// version of the keys it covers: either it lands in the bottom level, or
	// no file at any level strictly below the output level overlaps the
	// job's key range (so there's nothing underneath left to shadow).
	canDropTombstones := job.OutputLevel == MaxLevels-1 || !anyLowerLevelOverlaps(levelsSnapshot, job)

	var produced []producedSSTable
	builder, path, id, err := t.newCompactionBuilder(job.OutputLevel)
	if err != nil {
		return err
	}
	rowsInBuilder := 0

	finishCurrent := func() error {
		if rowsInBuilder == 0 {
			builder.file.Close()
			return os.Remove(path)
		}
		minKey, maxKey, err := builder.Finish()
		if err != nil {
			return err
		}
		produced = append(produced, producedSSTable{id: id, path: path, minKey: minKey, maxKey: maxKey})
		return nil
	}

	for {
		row, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if row.Tombstone {
			if canDropTombstones {
				t.metrics.TombstonesDropped.Inc()
				continue
			}
			if err := builder.AddTombstone(row.Key); err != nil {
				return err
			}
		} else {
			if err := builder.Add(row.Key, row.Row); err != nil {
				return err
			}
		}
		rowsInBuilder++

		if builder.offset >= compactionOutputBudget {
			if err := finishCurrent(); err != nil {
				return err
			}
			builder, path, id, err = t.newCompactionBuilder(job.OutputLevel)
			if err != nil {
				return err
			}
			rowsInBuilder = 0
		}
	}
	if err := finishCurrent(); err != nil {
		return err
	}

	return t.installCompactionResult(job, produced)
}

func releaseRetained(tables []*SSTable) {
	for _, tbl := range tables {
		tbl.Release()
	}
}

type producedSSTable struct {
	id             uint64
	path           string
	minKey, maxKey Value
}

func (t *Tree) newCompactionBuilder(level int) (*SSTableBuilder, string, uint64, error) {
	id := t.nextSSTID.Add(1) - 1
	path := sstablePath(t.opts.DataDir, id)
	b, err := NewSSTableBuilder(t.schema, path)
	return b, path, id, err
}

// installCompactionResult atomically swaps job's input SSTables out for the
// newly produced ones, updating in-memory level metadata, the open SSTable
// set, and the manifest.
func (t *Tree) installCompactionResult(job *CompactionJob, produced []producedSSTable) error {
	t.mu.Lock()
	for _, meta := range job.InputSSTables {
		t.levels[meta.Level].RemoveSSTable(meta.ID)
		if tbl, ok := t.sstables[meta.ID]; ok {
			tbl.Close()
			delete(t.sstables, meta.ID)
		}
	}
	for _, meta := range job.OutputSSTables {
		t.levels[job.OutputLevel].RemoveSSTable(meta.ID)
		if tbl, ok := t.sstables[meta.ID]; ok {
			tbl.Close()
			delete(t.sstables, meta.ID)
		}
	}

	var opened []*SSTable
	for _, p := range produced {
		info, err := os.Stat(p.path)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		tbl, err := OpenSSTable(p.id, p.path, t.schema)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.sstables[p.id] = tbl
		t.levels[job.OutputLevel].AddSSTable(&LeveledSSTableMeta{
			ID: p.id, Level: job.OutputLevel, MinKey: p.minKey, MaxKey: p.maxKey, FileSize: info.Size(),
		})
		opened = append(opened, tbl)
	}
	t.mu.Unlock()

	for _, meta := range job.InputSSTables {
		if err := t.manifest.RemoveSSTable(meta.Level, meta.ID); err != nil {
			return err
		}
		os.Remove(sstablePath(t.opts.DataDir, meta.ID))
	}
	for _, meta := range job.OutputSSTables {
		if err := t.manifest.RemoveSSTable(job.OutputLevel, meta.ID); err != nil {
			return err
		}
		os.Remove(sstablePath(t.opts.DataDir, meta.ID))
	}
	for _, tbl := range opened {
		if err := t.manifest.AddSSTable(job.OutputLevel, tbl.ID(), int64(tbl.fileSize), tbl.MinKey(), tbl.MaxKey()); err != nil {
			return err
		}
	}

	t.mu.RLock()
	levelsCopy := t.copyLevelsLocked()
	t.mu.RUnlock()
	return t.manifest.MaybeRewriteSnapshot(levelsCopy, t.schema)
}

// applyTrivialMove reassigns an input SSTable to the output level without
// rewriting its bytes, used when the picker found no overlapping table to
// merge against.
func (t *Tree) applyTrivialMove(job *CompactionJob) error {
	meta := job.InputSSTables[0]

	t.mu.Lock()
	t.levels[meta.Level].RemoveSSTable(meta.ID)
	moved := &LeveledSSTableMeta{ID: meta.ID, Level: job.OutputLevel, MinKey: meta.MinKey, MaxKey: meta.MaxKey, FileSize: meta.FileSize}
	t.levels[job.OutputLevel].AddSSTable(moved)
	t.mu.Unlock()

	if err := t.manifest.RemoveSSTable(meta.Level, meta.ID); err != nil {
		return err
	}
	return t.manifest.AddSSTable(job.OutputLevel, meta.ID, meta.FileSize, meta.MinKey, meta.MaxKey)
}
