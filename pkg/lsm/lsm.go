package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/columnforge/pkg/logging"
	"github.com/dd0wney/columnforge/pkg/metrics"
	"github.com/dd0wney/columnforge/pkg/pools"
	"github.com/dd0wney/columnforge/pkg/wal"
)

// walGeneration pairs a memtable's write-ahead log with the directory it
// lives in, so the log can be deleted wholesale once the memtable it backs
// is durably flushed to an SSTable.
type walGeneration struct {
	id  uint64
	dir string
	w   wal.WriteAheadLog
}

// pendingFlush is one immutable memtable still waiting to be written out,
// paired with the WAL generation that can be discarded once it lands.
type pendingFlush struct {
	table *MemTable
	gen   *walGeneration
}

// Tree is the top-level handle on a columnar LSM store: one schema, one
// active memtable accepting writes, a queue of immutable memtables draining
// to disk, and MaxLevels of SSTables recovered from and kept durable via a
// Manifest.
type Tree struct {
	schema Schema
	opts   Options

	logger  logging.Logger
	metrics *metrics.Registry
	bufPool *pools.BytePool

	mu         sync.RWMutex
	rotateCond *sync.Cond
	closed     bool

	currentGen *walGeneration
	mem        *MemTable
	immutables []*pendingFlush

	levels   [MaxLevels]*LevelMeta
	sstables map[uint64]*SSTable
	manifest *Manifest

	nextWALGen atomic.Uint64
	nextSSTID  atomic.Uint64

	flushCh   chan struct{}
	compactCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func walDir(dataDir string) string       { return filepath.Join(dataDir, "wal") }
func sstableDir(dataDir string) string   { return filepath.Join(dataDir, "sstables") }
func genDir(dataDir string, id uint64) string {
	return filepath.Join(walDir(dataDir), fmt.Sprintf("%020d", id))
}

// Open recovers (or creates) a tree rooted at opts.DataDir: every WAL
// generation left behind by a prior run is replayed into an immutable
// memtable queued for flush, the manifest is replayed to reconstruct
// levels, and every live SSTable it names is reopened via mmap. A fresh
// active memtable and WAL generation is always started so new writes never
// share a generation with recovered ones.
func Open(schema Schema, opts Options, logger logging.Logger, reg *metrics.Registry) (*Tree, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.L1MaxBytes == 0 {
		opts.L1MaxBytes = defaultL1MaxBytes
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	for _, dir := range []string{opts.DataDir, walDir(opts.DataDir), sstableDir(opts.DataDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("lsm: create %s: %w", dir, err)
		}
	}

	t := &Tree{
		schema:    schema,
		opts:      opts,
		logger:    logger.With(logging.Component("lsm")),
		metrics:   reg,
		bufPool:   pools.NewBytePool(),
		sstables:  make(map[uint64]*SSTable),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	t.rotateCond = sync.NewCond(&t.mu)
	for i := range t.levels {
		t.levels[i] = &LevelMeta{LevelNum: i}
	}

	manifest, err := OpenManifest(opts.DataDir)
	if err != nil {
		return nil, err
	}
	t.manifest = manifest
	if err := manifest.Load(t.levels[:], schema); err != nil {
		return nil, err
	}

	var maxSSTID uint64
	for _, lvl := range t.levels {
		for _, s := range lvl.SSTables {
			path := sstablePath(opts.DataDir, s.ID)
			table, err := OpenSSTable(s.ID, path, schema)
			if err != nil {
				return nil, fmt.Errorf("lsm: reopen sstable %d: %w", s.ID, err)
			}
			t.sstables[s.ID] = table
			if s.ID > maxSSTID {
				maxSSTID = s.ID
			}
		}
	}
	t.nextSSTID.Store(maxSSTID + 1)

	if err := t.removeOrphanSSTables(); err != nil {
		return nil, err
	}

	if err := t.recoverWALGenerations(); err != nil {
		return nil, err
	}

	if err := t.startNewGeneration(); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.flushLoop()
	if opts.EnableAutoCompaction {
		t.wg.Add(1)
		go t.compactionLoop()
	}

	t.logger.Info("lsm tree opened",
		logging.Path(opts.DataDir),
		logging.Count(len(t.sstables)),
		logging.Int("queued_immutables", len(t.immutables)))
	return t, nil
}

// removeOrphanSSTables deletes .sst files the manifest doesn't name -
// leftovers of a flush or compaction that crashed after writing the file
// but before its ADD record was durable. Runs before any new file is
// created, so everything unregistered at this point is garbage.
func (t *Tree) removeOrphanSSTables() error {
	entries, err := os.ReadDir(sstableDir(t.opts.DataDir))
	if err != nil {
		return fmt.Errorf("lsm: scan sstable directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d.sst", &id); err != nil {
			continue
		}
		if _, registered := t.sstables[id]; registered {
			continue
		}
		path := filepath.Join(sstableDir(t.opts.DataDir), e.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("lsm: remove orphan sstable %s: %w", e.Name(), err)
		}
		t.logger.Warn("removed orphan sstable", logging.SSTableID(id), logging.Path(path))
	}
	return nil
}

// recoverWALGenerations replays every generation subdirectory left behind
// by a previous run, in ascending generation order, queuing each as an
// immutable memtable ready for the flush loop to drain.
func (t *Tree) recoverWALGenerations() error {
	entries, err := os.ReadDir(walDir(t.opts.DataDir))
	if err != nil {
		return fmt.Errorf("lsm: scan wal directory: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		gens = append(gens, id)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	for _, id := range gens {
		dir := genDir(t.opts.DataDir, id)
		w, err := t.openWALFor(dir)
		if err != nil {
			return err
		}
		var entries []*wal.Entry
		if err := w.Replay(func(e *wal.Entry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			return fmt.Errorf("lsm: read wal generation %d: %w", id, err)
		}
		table := NewMemTable(t.schema)
		if err := table.RecoverFromWAL(entries); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		if id >= t.nextWALGen.Load() {
			t.nextWALGen.Store(id + 1)
		}
		if table.Count() == 0 {
			os.RemoveAll(dir)
			continue
		}
		t.immutables = append(t.immutables, &pendingFlush{table: table, gen: &walGeneration{id: id, dir: dir}})
	}
	return nil
}

func (t *Tree) openWALFor(dir string) (wal.WriteAheadLog, error) {
	if t.opts.UseCompressedWAL {
		w, err := wal.NewCompressedWAL(dir)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := wal.NewWAL(dir)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// startNewGeneration opens a fresh WAL directory and memtable for new
// writes to land in, used both at Open and every time the active memtable
// rotates out to the immutable queue.
func (t *Tree) startNewGeneration() error {
	id := t.nextWALGen.Add(1) - 1
	dir := genDir(t.opts.DataDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	w, err := t.openWALFor(dir)
	if err != nil {
		return err
	}
	t.currentGen = &walGeneration{id: id, dir: dir, w: w}
	t.mem = NewMemTable(t.schema)
	return nil
}

// Put durably records row and makes it visible to subsequent Get/Scan
// calls. The WAL append happens before the memtable insert so a crash can
// never observe an in-memory write that isn't also recoverable.
func (t *Tree) Put(row Row) error {
	start := time.Now()
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	gen, mem := t.currentGen, t.mem
	t.mu.RUnlock()

	if len(row) != len(t.schema.Columns) {
		t.metrics.RecordStorageOperation("put", "error", time.Since(start))
		return fmt.Errorf("%w: row has %d columns, schema has %d", ErrSchemaMismatch, len(row), len(t.schema.Columns))
	}
	scratch := t.bufPool.Get(64)
	encoded, err := EncodeRowInto(t.schema, row, scratch)
	if err != nil {
		t.metrics.RecordStorageOperation("put", "error", time.Since(start))
		return err
	}
	if _, err := gen.w.Append(wal.OpPut, encoded); err != nil {
		t.metrics.RecordStorageOperation("put", "error", time.Since(start))
		return fmt.Errorf("lsm: append wal: %w", err)
	}
	t.metrics.RecordWALAppend(len(encoded))
	t.bufPool.Put(encoded)
	if _, err := mem.Put(row); err != nil {
		t.metrics.RecordStorageOperation("put", "error", time.Since(start))
		return err
	}

	if mem.ApproximateSize() >= t.opts.MemTableSizeBytes {
		if err := t.rotateMemTable(); err != nil {
			t.metrics.RecordStorageOperation("put", "error", time.Since(start))
			return err
		}
	}
	t.metrics.RecordStorageOperation("put", "ok", time.Since(start))
	return nil
}

// Delete records a tombstone for key, shadowing any value for it in every
// source underneath the active memtable until a bottom-level compaction
// eventually drops the marker.
func (t *Tree) Delete(key Value) error {
	start := time.Now()
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	gen, mem := t.currentGen, t.mem
	t.mu.RUnlock()

	keyBytes := KeyBytes(key)
	if _, err := gen.w.Append(wal.OpDelete, keyBytes); err != nil {
		t.metrics.RecordStorageOperation("delete", "error", time.Since(start))
		return fmt.Errorf("lsm: append wal: %w", err)
	}
	t.metrics.RecordWALAppend(len(keyBytes))
	mem.Delete(key)

	if mem.ApproximateSize() >= t.opts.MemTableSizeBytes {
		if err := t.rotateMemTable(); err != nil {
			t.metrics.RecordStorageOperation("delete", "error", time.Since(start))
			return err
		}
	}
	t.metrics.RecordStorageOperation("delete", "ok", time.Since(start))
	return nil
}

// batchAppender is satisfied by a WAL implementation that can defer its
// fsync across several appends. BatchInsert uses it to pay for one sync per
// batch instead of one per row; a WAL that can't defer falls back to the
// ordinary per-row Put contract.
type batchAppender interface {
	AppendNoSync(opType wal.OpType, data []byte) (uint64, error)
	Sync() error
}

// BatchInsert applies rows as a single batch: every row is appended to the
// WAL without an intervening fsync, then one fsync durably commits the
// whole batch before any row is applied to the memtable. A crash mid-batch
// can lose the batch's tail on replay, but never leaves a partially written
// WAL record behind - the same contract Put gives a single row, extended
// to a batch's worth of them.
func (t *Tree) BatchInsert(rows []Row) error {
	start := time.Now()
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	gen, mem := t.currentGen, t.mem
	t.mu.RUnlock()

	ba, ok := gen.w.(batchAppender)
	if !ok {
		for _, row := range rows {
			if err := t.Put(row); err != nil {
				return err
			}
		}
		return nil
	}

	encoded := make([][]byte, len(rows))
	for i, row := range rows {
		if len(row) != len(t.schema.Columns) {
			t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
			return fmt.Errorf("%w: row has %d columns, schema has %d", ErrSchemaMismatch, len(row), len(t.schema.Columns))
		}
		enc, err := EncodeRowInto(t.schema, row, t.bufPool.Get(64))
		if err != nil {
			t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
			return err
		}
		encoded[i] = enc
	}

	for _, enc := range encoded {
		if _, err := ba.AppendNoSync(wal.OpPut, enc); err != nil {
			t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
			return fmt.Errorf("lsm: append wal: %w", err)
		}
	}
	if err := ba.Sync(); err != nil {
		t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
		return fmt.Errorf("lsm: sync wal batch: %w", err)
	}
	for _, enc := range encoded {
		t.metrics.RecordWALAppend(len(enc))
		t.bufPool.Put(enc)
	}

	for _, row := range rows {
		if _, err := mem.Put(row); err != nil {
			t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
			return err
		}
	}

	if mem.ApproximateSize() >= t.opts.MemTableSizeBytes {
		if err := t.rotateMemTable(); err != nil {
			t.metrics.RecordStorageOperation("batch_insert", "error", time.Since(start))
			return err
		}
	}
	t.metrics.RecordStorageOperation("batch_insert", "ok", time.Since(start))
	return nil
}

// rotateMemTable freezes the active memtable into the immutable queue and
// starts a new one. Callers block (via rotateCond) while the immutable
// queue is already at MaxImmutableMemTables, applying backpressure instead
// of letting unflushed memory grow without bound.
func (t *Tree) rotateMemTable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mem.ApproximateSize() < t.opts.MemTableSizeBytes {
		return nil // someone else already rotated
	}
	for len(t.immutables) >= t.opts.MaxImmutableMemTables {
		t.rotateCond.Wait()
	}

	oldGen, oldMem := t.currentGen, t.mem
	t.immutables = append(t.immutables, &pendingFlush{table: oldMem, gen: oldGen})
	if err := t.startNewGeneration(); err != nil {
		return err
	}

	select {
	case t.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Get performs a point lookup, walking the active memtable, then queued
// immutable memtables newest-first, then L0 SSTables newest-first, then
// each remaining level's single range-matching SSTable. The walk stops at
// the first source that has an opinion about the key - a live value or a
// tombstone - rather than always checking every source.
func (t *Tree) Get(key Value) (Row, bool, error) {
	start := time.Now()
	row, found, err := t.get(key)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordStorageOperation("get", status, time.Since(start))
	return row, found, err
}

func (t *Tree) get(key Value) (Row, bool, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, false, ErrClosed
	}
	mem := t.mem
	immutables := append([]*pendingFlush(nil), t.immutables...)
	l0 := append([]*LeveledSSTableMeta(nil), t.levels[0].SSTables...)
	var deeper [MaxLevels][]*LeveledSSTableMeta
	for level := 1; level < MaxLevels; level++ {
		deeper[level] = append([]*LeveledSSTableMeta(nil), t.levels[level].SSTables...)
	}
	tables := t.retainTablesLocked()
	t.mu.RUnlock()
	defer releaseTables(tables)

	if row, state, err := mem.Get(key); err != nil {
		return nil, false, err
	} else if state == LookupFound {
		return row, true, nil
	} else if state == LookupTombstone {
		return nil, false, nil
	}

	for i := len(immutables) - 1; i >= 0; i-- {
		row, state, err := immutables[i].table.Get(key)
		if err != nil {
			return nil, false, err
		}
		if state == LookupFound {
			return row, true, nil
		}
		if state == LookupTombstone {
			return nil, false, nil
		}
	}

	// L0 files can overlap arbitrarily, so every file must be checked;
	// newest first so the first hit is the most recent write.
	sort.Slice(l0, func(i, j int) bool { return l0[i].ID > l0[j].ID })
	for _, meta := range l0 {
		table := tables[meta.ID]
		if table == nil {
			continue
		}
		row, state, err := table.Get(key)
		if err != nil {
			return nil, false, err
		}
		if state == LookupFound {
			return row, true, nil
		}
		if state == LookupTombstone {
			return nil, false, nil
		}
	}

	for level := 1; level < MaxLevels; level++ {
		meta := findCoveringSSTable(deeper[level], key)
		if meta == nil {
			continue
		}
		table := tables[meta.ID]
		if table == nil {
			continue
		}
		row, state, err := table.Get(key)
		if err != nil {
			return nil, false, err
		}
		if state == LookupFound {
			return row, true, nil
		}
		if state == LookupTombstone {
			return nil, false, nil
		}
	}

	return nil, false, nil
}

// retainTablesLocked copies the open-table set with a reference taken on
// every table, so a reader can keep using the mmaps after the tree lock is
// released even if a concurrent compaction install closes and drops them
// in the meantime. Caller must hold t.mu (either mode) and must pair with
// releaseTables.
func (t *Tree) retainTablesLocked() map[uint64]*SSTable {
	tables := make(map[uint64]*SSTable, len(t.sstables))
	for id, tbl := range t.sstables {
		tbl.Retain()
		tables[id] = tbl
	}
	return tables
}

func releaseTables(tables map[uint64]*SSTable) {
	for _, tbl := range tables {
		tbl.Release()
	}
}

// copyLevelsLocked deep-copies each level's table list so the caller can
// keep reading it after the lock is released; the per-table meta entries
// themselves are shared, immutable apart from BeingCompacted, which only
// the compaction goroutine touches. Caller must hold t.mu.
func (t *Tree) copyLevelsLocked() []*LevelMeta {
	out := make([]*LevelMeta, len(t.levels))
	for i, lvl := range t.levels {
		out[i] = &LevelMeta{
			LevelNum:  lvl.LevelNum,
			SSTables:  append([]*LeveledSSTableMeta(nil), lvl.SSTables...),
			TotalSize: lvl.TotalSize,
		}
	}
	return out
}

// findCoveringSSTable binary-searches a level's sorted, non-overlapping
// SSTables for the one whose [MinKey, MaxKey] range could hold key.
func findCoveringSSTable(tables []*LeveledSSTableMeta, key Value) *LeveledSSTableMeta {
	idx := sort.Search(len(tables), func(i int) bool {
		return CompareKeys(tables[i].MaxKey, key) >= 0
	})
	if idx < len(tables) && CompareKeys(tables[idx].MinKey, key) <= 0 {
		return tables[idx]
	}
	return nil
}

// Merge priority tiers for a column scan: the live memtable always wins a
// tie against everything under it, the immutable queue outranks every
// SSTable (with a newer-queued immutable outranking an older one), and
// within the SSTable tier a higher id - assigned later - outranks a lower
// one. Kept far enough apart that adding entries within a tier (more
// immutables, more SSTables) can never bleed into the tier above it.
const (
	tierSSTable   = uint64(1) << 61
	tierImmutable = uint64(2) << 61
	tierMemTable  = uint64(3) << 61
)

// scanSnapshot is everything one column scan merges over, captured once so
// concurrent Puts and compactions can't change what a single scan sees
// partway through. The active memtable and each queued immutable are
// flushed into deduplicated, ascending-key row slices - reusing the exact
// dedup logic Flush also uses to produce SSTable input - rather than
// scanned column-by-column, since neither is laid out in columnar form.
type scanSnapshot struct {
	memRows       []FlushedRow
	immutableRows [][]FlushedRow
	tables        []*SSTable
}

func (t *Tree) takeScanSnapshot() (*scanSnapshot, error) {
	t.mu.RLock()
	mem := t.mem
	immutables := append([]*pendingFlush(nil), t.immutables...)
	tables := make([]*SSTable, 0, len(t.sstables))
	for _, tbl := range t.sstables {
		tbl.Retain()
		tables = append(tables, tbl)
	}
	t.mu.RUnlock()

	snap := &scanSnapshot{tables: tables}

	memRows, err := mem.Flush()
	if err != nil {
		snap.release()
		return nil, err
	}
	snap.memRows = memRows
	snap.immutableRows = make([][]FlushedRow, len(immutables))
	for i, pf := range immutables {
		rows, err := pf.table.Flush()
		if err != nil {
			snap.release()
			return nil, err
		}
		snap.immutableRows[i] = rows
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() < tables[j].ID() })

	return snap, nil
}

// release drops the snapshot's table references; the scan that took the
// snapshot must call it exactly once, after the last column materializes.
func (s *scanSnapshot) release() {
	for _, tbl := range s.tables {
		tbl.Release()
	}
	s.tables = nil
}

// sources builds the rowSource list and matching merge priorities for this
// snapshot: the live memtable (if non-empty), then each non-empty
// immutable oldest-to-newest, then every SSTable ascending by id.
func (s *scanSnapshot) sources() ([]rowSource, []uint64) {
	var sources []rowSource
	var priorities []uint64

	if len(s.memRows) > 0 {
		sources = append(sources, &sliceRowIterator{source: SourceMemTable, rows: s.memRows})
		priorities = append(priorities, tierMemTable)
	}
	for i, rows := range s.immutableRows {
		if len(rows) == 0 {
			continue
		}
		sources = append(sources, &sliceRowIterator{source: SourceImmutable, sourceID: uint64(i), rows: rows})
		priorities = append(priorities, tierImmutable+uint64(i))
	}
	for _, tbl := range s.tables {
		sources = append(sources, newTableRowIterator(tbl))
		priorities = append(priorities, tierSSTable+tbl.ID())
	}
	return sources, priorities
}

// buildScanSelection runs the same newest-wins k-way merge compaction uses,
// but records where each winning row physically lives instead of decoding
// it, so a scan for N columns pays for exactly one merge pass no matter how
// many columns it ultimately materializes.
func (t *Tree) buildScanSelection(snap *scanSnapshot) (*SelectionVector, error) {
	sources, priorities := snap.sources()
	merged, err := NewMergeIterator(sources, priorities, t.schema.PrimaryKeyType())
	if err != nil {
		return nil, err
	}

	sv := NewSelectionVector()
	for {
		step, ok, err := merged.nextStep()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if step.tombstone {
			continue
		}
		switch step.kind {
		case sourceKindSSTable:
			sv.AddRow(SourceSSTable, step.sstableID, step.rowGroup, step.rowIdx)
		case sourceKindMemory:
			sv.AddRow(step.memSource, step.memSourceID, 0, step.memRowIdx)
		}
	}
	return sv, nil
}

// materializeColumn walks sv and decodes colIdx's value for every selected
// row: a contiguous SSTable run goes through the bulk column-chunk copy,
// a discrete SSTable selection decodes one row at a time, and a memtable
// or immutable selection just indexes into its already-decoded Row slice.
func (t *Tree) materializeColumn(snap *scanSnapshot, sv *SelectionVector, colIdx int) (*ColumnBatch, error) {
	dst := &ColumnBatch{Type: t.schema.Columns[colIdx].Type}

	tablesByID := make(map[uint64]*SSTable, len(snap.tables))
	for _, tbl := range snap.tables {
		tablesByID[tbl.ID()] = tbl
	}

	for _, sel := range sv.Selections() {
		switch sel.Source {
		case SourceSSTable:
			tbl := tablesByID[sel.SourceID]
			rg := tbl.rowGroups[sel.RowGroup]
			if sel.IsContiguous() {
				if err := ReadColumnRangeFromRowGroup(tbl, rg, colIdx, sel.StartRow, sel.Count, dst); err != nil {
					return nil, err
				}
				continue
			}
			for _, rowIdx := range sel.Rows {
				v, err := readColumnValueAt(tbl, rg, colIdx, rowIdx)
				if err != nil {
					return nil, err
				}
				appendValueToBatch(dst, v)
			}
		case SourceMemTable:
			for _, rowIdx := range sel.RowIndices() {
				appendValueToBatch(dst, snap.memRows[rowIdx].Row[colIdx])
			}
		case SourceImmutable:
			rows := snap.immutableRows[sel.SourceID]
			for _, rowIdx := range sel.RowIndices() {
				appendValueToBatch(dst, rows[rowIdx].Row[colIdx])
			}
		}
	}
	return dst, nil
}

// ScanColumn returns every live (non-tombstoned, newest-wins) value of one
// column across the whole tree: the active memtable, the immutable queue,
// and every SSTable, merged by key exactly as a compaction would merge
// them, so a scan started mid-write never observes a row an in-flight
// compaction is simultaneously rewriting under a different id.
func (t *Tree) ScanColumn(name string) (*ColumnBatch, error) {
	idx := t.schema.ColumnIndex(name)
	if idx == -1 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	snap, err := t.takeScanSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.release()
	sv, err := t.buildScanSelection(snap)
	if err != nil {
		return nil, err
	}
	defer sv.Release()
	return t.materializeColumn(snap, sv, idx)
}

// ScanColumns reads multiple columns in one pass: the merge that resolves
// which rows are live runs exactly once and is then replayed to
// materialize each requested column, instead of re-merging per column.
func (t *Tree) ScanColumns(names []string) (map[string]*ColumnBatch, error) {
	idxs := make([]int, len(names))
	for i, name := range names {
		idx := t.schema.ColumnIndex(name)
		if idx == -1 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
		}
		idxs[i] = idx
	}

	snap, err := t.takeScanSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.release()
	sv, err := t.buildScanSelection(snap)
	if err != nil {
		return nil, err
	}
	defer sv.Release()

	out := make(map[string]*ColumnBatch, len(names))
	for i, name := range names {
		batch, err := t.materializeColumn(snap, sv, idxs[i])
		if err != nil {
			return nil, err
		}
		out[name] = batch
	}
	return out, nil
}

// FlushToSST forces the active memtable to rotate and blocks until the
// flush loop has drained every currently-queued immutable memtable to disk.
// Intended for tests and graceful-shutdown paths, not the hot write path.
func (t *Tree) FlushToSST() error {
	t.mu.Lock()
	hasData := t.mem.Count() > 0
	t.mu.Unlock()
	if hasData {
		if err := t.forceRotate(); err != nil {
			return err
		}
	}
	for {
		t.mu.Lock()
		pending := len(t.immutables)
		t.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (t *Tree) forceRotate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.immutables) >= t.opts.MaxImmutableMemTables {
		t.rotateCond.Wait()
	}
	oldGen, oldMem := t.currentGen, t.mem
	if oldMem.Count() == 0 {
		return nil
	}
	t.immutables = append(t.immutables, &pendingFlush{table: oldMem, gen: oldGen})
	if err := t.startNewGeneration(); err != nil {
		return err
	}
	select {
	case t.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// TriggerCompaction wakes the compaction loop immediately instead of
// waiting for its next CompactionCheckInterval tick.
func (t *Tree) TriggerCompaction() {
	select {
	case t.compactCh <- struct{}{}:
	default:
	}
}

// TreeStats is a point-in-time snapshot of the tree's operational state,
// consumed by health checks and the ops surfaces; it carries no locks and
// goes stale the moment it is returned.
type TreeStats struct {
	QueuedImmutables int
	MaxImmutables    int
	L0Files          int
	SSTableCount     int
	LevelBytes       [MaxLevels]int64
}

// Stats samples the tree under a read lock.
func (t *Tree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := TreeStats{
		QueuedImmutables: len(t.immutables),
		MaxImmutables:    t.opts.MaxImmutableMemTables,
		L0Files:          len(t.levels[0].SSTables),
		SSTableCount:     len(t.sstables),
	}
	for i, lvl := range t.levels {
		st.LevelBytes[i] = lvl.TotalSize
	}
	return st
}

// WALDirPath returns the directory live WAL generations are written under.
func (t *Tree) WALDirPath() string {
	return walDir(t.opts.DataDir)
}

// ManifestPath returns the manifest file's location on disk.
func (t *Tree) ManifestPath() string {
	return t.manifest.Path()
}

// Close stops the background loops, flushes nothing further (callers that
// want a durable final state should call FlushToSST first), and releases
// every open SSTable's mmap and the manifest file.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.currentGen.w.Close(); err != nil {
		return err
	}
	for _, tbl := range t.sstables {
		tbl.Close()
	}
	return t.manifest.Close()
}

func sstablePath(dataDir string, id uint64) string {
	return filepath.Join(sstableDir(dataDir), fmt.Sprintf("%020d.sst", id))
}
