package lsm

import "container/heap"

// rowSource is anything a MergeIterator can pull a key-sorted stream of rows
// from: an on-disk SSTable or an in-memory, already-deduplicated row slice
// from a memtable/immutable memtable. Compaction only ever merges SSTables;
// a column scan also needs to merge in the live memtable and immutable
// queue, so the iterator is written against this interface rather than
// *SSTable directly.
type rowSource interface {
	valid() bool
	keyBytes() ([]byte, error)
	row() (Row, error)
	tombstone() (bool, error)
	next()
}

// tableRowIterator walks one SSTable's rows in ascending key order. Row
// groups are themselves stored in ascending order and built from
// already-sorted input, so a simple row-group-then-row-index walk is all
// that's needed - no in-memory sort of the whole table.
type tableRowIterator struct {
	table  *SSTable
	rgIdx  int
	rowIdx int
}

func newTableRowIterator(table *SSTable) *tableRowIterator {
	it := &tableRowIterator{table: table}
	it.skipToValid()
	return it
}

func (it *tableRowIterator) skipToValid() {
	for it.rgIdx < len(it.table.rowGroups) && it.rowIdx >= int(it.table.rowGroups[it.rgIdx].RowCount) {
		it.rgIdx++
		it.rowIdx = 0
	}
}

func (it *tableRowIterator) valid() bool {
	return it.rgIdx < len(it.table.rowGroups)
}

func (it *tableRowIterator) keyBytes() ([]byte, error) {
	rg := it.table.rowGroups[it.rgIdx]
	v, err := it.columnValue(rg, it.table.schema.PrimaryKeyIdx)
	if err != nil {
		return nil, err
	}
	return KeyBytes(v), nil
}

func (it *tableRowIterator) columnValue(rg *RowGroupMeta, colIdx int) (Value, error) {
	cm := rg.Columns[colIdx]
	chunk, err := it.table.readAt(cm.Offset, cm.Size)
	if err != nil {
		return Value{}, err
	}
	return decodeColumnValue(chunk, it.table.schema.Columns[colIdx].Type, cm.HasNulls, int(rg.RowCount), it.rowIdx)
}

func (it *tableRowIterator) row() (Row, error) {
	return it.table.materializeRow(it.table.rowGroups[it.rgIdx], it.rowIdx)
}

func (it *tableRowIterator) tombstone() (bool, error) {
	return it.table.isTombstone(it.table.rowGroups[it.rgIdx], it.rowIdx)
}

func (it *tableRowIterator) next() {
	it.rowIdx++
	it.skipToValid()
}

// position reports the row group and row index this iterator currently sits
// at, so a caller building a selection vector can record exactly which
// on-disk rows were selected without re-deriving it from the key.
func (it *tableRowIterator) position() (tableID uint64, rgIdx, rowIdx int) {
	return it.table.ID(), it.rgIdx, it.rowIdx
}

// sliceRowIterator walks an already key-sorted, already deduplicated slice
// of FlushedRow - the shape MemTable.Flush produces for both the live
// memtable and a queued immutable memtable. Reusing that dedup logic means a
// merge over memory sources never has to special-case "two writes to the
// same key in the same memtable".
type sliceRowIterator struct {
	source   DataSource
	sourceID uint64
	rows     []FlushedRow
	idx      int
}

func (s *sliceRowIterator) valid() bool               { return s.idx < len(s.rows) }
func (s *sliceRowIterator) keyBytes() ([]byte, error) { return KeyBytes(s.rows[s.idx].Key), nil }
func (s *sliceRowIterator) row() (Row, error)         { return s.rows[s.idx].Row, nil }
func (s *sliceRowIterator) tombstone() (bool, error)  { return s.rows[s.idx].Tombstone, nil }
func (s *sliceRowIterator) next()                     { s.idx++ }

func (s *sliceRowIterator) position() (DataSource, uint64, int) { return s.source, s.sourceID, s.idx }

// mergeHeapItem is one live source in the k-way merge.
type mergeHeapItem struct {
	key      []byte
	src      rowSource
	priority uint64
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	// Equal keys: the newer source should surface first so the caller can
	// take it and discard the rest of the run.
	return h[i].priority > h[j].priority
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator produces the newest-wins, deduplicated, ascending-key
// stream of (key, row, tombstone) triples across a set of sources, using a
// container/heap-based k-way merge so no source's rows are ever loaded in
// full.
type MergeIterator struct {
	h      mergeHeap
	pkType ColumnType
}

// NewMergeIterator builds a merge over sources, where priorities[i] is the
// recency rank of sources[i] (higher wins ties). pkType drives key
// comparison and decoding at every comparator site, per the type-aware
// comparison rule every source in this tree is built to honor.
func NewMergeIterator(sources []rowSource, priorities []uint64, pkType ColumnType) (*MergeIterator, error) {
	m := &MergeIterator{pkType: pkType}
	for i, src := range sources {
		if !src.valid() {
			continue
		}
		key, err := src.keyBytes()
		if err != nil {
			return nil, err
		}
		heap.Push(&m.h, &mergeHeapItem{key: key, src: src, priority: priorities[i]})
	}
	heap.Init(&m.h)
	return m, nil
}

// MergedRow is one output row of a merge: the winning version for a key
// across all input sources, which may be a tombstone.
type MergedRow struct {
	Key       Value
	Row       Row
	Tombstone bool
}

// Next returns the next deduplicated row, or ok=false once every source is
// exhausted.
func (m *MergeIterator) Next() (MergedRow, bool, error) {
	if m.h.Len() == 0 {
		return MergedRow{}, false, nil
	}

	winner := heap.Pop(&m.h).(*mergeHeapItem)
	winKey := winner.key

	tomb, err := winner.src.tombstone()
	if err != nil {
		return MergedRow{}, false, err
	}
	var row Row
	if !tomb {
		row, err = winner.src.row()
		if err != nil {
			return MergedRow{}, false, err
		}
	}
	result := MergedRow{Key: decodeKeyBytes(m.pkType, winKey), Row: row, Tombstone: tomb}

	if err := m.advance(winner); err != nil {
		return MergedRow{}, false, err
	}

	// Discard every other source's entry for the same key - the winner
	// (highest priority, popped first among ties) already represents it.
	for m.h.Len() > 0 && compareBytes(m.h[0].key, winKey) == 0 {
		next := heap.Pop(&m.h).(*mergeHeapItem)
		if err := m.advance(next); err != nil {
			return MergedRow{}, false, err
		}
	}

	return result, true, nil
}

// sourceKind tags which branch of mergeStep is populated.
type sourceKind uint8

const (
	sourceKindSSTable sourceKind = iota
	sourceKindMemory
)

// mergeStep is the position-preserving counterpart to MergedRow, used by a
// column scan to build a selection vector instead of materializing a full
// Row for every key.
type mergeStep struct {
	tombstone   bool
	kind        sourceKind
	sstableID   uint64
	rowGroup    int
	rowIdx      int
	memSource   DataSource
	memSourceID uint64
	memRowIdx   int
}

// nextStep advances the merge by one key, like Next, but reports where the
// winning row physically lives instead of decoding it, so the caller can
// decide whether a bulk column copy or a row-by-row decode applies.
func (m *MergeIterator) nextStep() (mergeStep, bool, error) {
	if m.h.Len() == 0 {
		return mergeStep{}, false, nil
	}

	winner := heap.Pop(&m.h).(*mergeHeapItem)
	winKey := winner.key

	tomb, err := winner.src.tombstone()
	if err != nil {
		return mergeStep{}, false, err
	}
	step := mergeStep{tombstone: tomb}
	switch s := winner.src.(type) {
	case *tableRowIterator:
		step.kind = sourceKindSSTable
		step.sstableID, step.rowGroup, step.rowIdx = s.position()
	case *sliceRowIterator:
		step.kind = sourceKindMemory
		step.memSource, step.memSourceID, step.memRowIdx = s.position()
	}

	if err := m.advance(winner); err != nil {
		return mergeStep{}, false, err
	}
	for m.h.Len() > 0 && compareBytes(m.h[0].key, winKey) == 0 {
		next := heap.Pop(&m.h).(*mergeHeapItem)
		if err := m.advance(next); err != nil {
			return mergeStep{}, false, err
		}
	}

	return step, true, nil
}

func (m *MergeIterator) advance(item *mergeHeapItem) error {
	item.src.next()
	if !item.src.valid() {
		return nil
	}
	key, err := item.src.keyBytes()
	if err != nil {
		return err
	}
	item.key = key
	heap.Push(&m.h, item)
	return nil
}
