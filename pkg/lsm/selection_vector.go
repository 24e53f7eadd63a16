package lsm

import (
	"github.com/dd0wney/columnforge/pkg/pools"
)

// DataSource identifies which tier of the tree a RowGroupSelection refers
// to: the live memtable, a frozen immutable memtable awaiting flush, or an
// on-disk SSTable.
type DataSource uint8

const (
	SourceMemTable DataSource = iota
	SourceImmutable
	SourceSSTable
)

// RowGroupSelection names a run of rows to materialize: either a
// contiguous [StartRow, StartRow+Count) range within one row group, or (once
// AddRow has had to splice in a non-adjacent row) an explicit row list.
type RowGroupSelection struct {
	Source     DataSource
	SourceID   uint64 // memtable generation or sstable id
	RowGroup   int    // unused for memtable sources
	StartRow   int
	Count      int
	Rows       []int // non-nil only once the selection has gone discrete
}

func (s *RowGroupSelection) IsContiguous() bool { return s.Rows == nil }

func (s *RowGroupSelection) RowCount() int {
	if s.IsContiguous() {
		return s.Count
	}
	return len(s.Rows)
}

// SelectionVector accumulates the set of rows a scan needs to visit across
// however many memtables and SSTables it touches, merging adjacent rows
// from the same row group into a single contiguous run instead of
// recording every row index individually.
type SelectionVector struct {
	selections []RowGroupSelection
	total      int
}

func NewSelectionVector() *SelectionVector {
	return &SelectionVector{}
}

// AddRow records a single row. A new selection starts as a contiguous
// single-row range so adjacent winners from the same row group coalesce
// into one bulk-copyable run; only a genuinely non-adjacent row converts
// the run to a discrete list.
func (sv *SelectionVector) AddRow(source DataSource, sourceID uint64, rowGroup, rowIdx int) {
	if n := len(sv.selections); n > 0 {
		last := &sv.selections[n-1]
		if last.Source == source && last.SourceID == sourceID && last.RowGroup == rowGroup {
			if last.IsContiguous() && rowIdx == last.StartRow+last.Count {
				last.Count++
				sv.total++
				return
			}
			if !last.IsContiguous() {
				last.Rows = append(last.Rows, rowIdx)
				sv.total++
				return
			}
			// Convert the trailing contiguous run to discrete mode so this
			// row can be appended.
			rows := pools.GetInts(last.Count + 1)
			for i := 0; i < last.Count; i++ {
				rows = append(rows, last.StartRow+i)
			}
			last.Rows = append(rows, rowIdx)
			last.Count = 0
			sv.total++
			return
		}
	}
	sv.selections = append(sv.selections, RowGroupSelection{
		Source: source, SourceID: sourceID, RowGroup: rowGroup,
		StartRow: rowIdx, Count: 1,
	})
	sv.total++
}

// RowIndices returns the concrete row indices this selection covers,
// expanding a contiguous range into its member indices when necessary.
func (s *RowGroupSelection) RowIndices() []int {
	if !s.IsContiguous() {
		return s.Rows
	}
	out := make([]int, s.Count)
	for i := range out {
		out[i] = s.StartRow + i
	}
	return out
}

func (sv *SelectionVector) Selections() []RowGroupSelection { return sv.selections }
func (sv *SelectionVector) TotalRows() int                  { return sv.total }
func (sv *SelectionVector) Empty() bool                     { return sv.total == 0 }

func (sv *SelectionVector) Clear() {
	sv.selections = sv.selections[:0]
	sv.total = 0
}

// Release returns every discrete row list to the pool and clears the
// vector. Only the scan that built the vector may call it, and only once
// every column has been materialized.
func (sv *SelectionVector) Release() {
	for i := range sv.selections {
		if sv.selections[i].Rows != nil {
			pools.PutInts(sv.selections[i].Rows)
			sv.selections[i].Rows = nil
		}
	}
	sv.selections = sv.selections[:0]
	sv.total = 0
}
