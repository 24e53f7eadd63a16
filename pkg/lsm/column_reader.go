package lsm

import (
	"encoding/binary"
	"math"
)

// ColumnBatch is one column's worth of materialized values, produced by a
// column scan across one or more row groups.
type ColumnBatch struct {
	Type   ColumnType
	Nulls  []bool // len == RowCount; nil if the column has no nulls at all
	Ints   []int64
	Floats []float64
	Strs   [][]byte
}

// RowCount returns how many logical rows this batch covers.
func (b *ColumnBatch) RowCount() int {
	switch b.Type {
	case ColInt64:
		return len(b.Ints)
	case ColDouble:
		return len(b.Floats)
	default:
		return len(b.Strs)
	}
}

// ReadColumnFromRowGroup bulk-appends one row group's worth of a single
// column's values into dst without decoding row-by-row: fixed-width columns
// are copied as a contiguous run (after skipping the null bitmap, when
// present); string columns are walked once via their offset table.
func ReadColumnFromRowGroup(table *SSTable, rg *RowGroupMeta, colIdx int, dst *ColumnBatch) error {
	return ReadColumnRangeFromRowGroup(table, rg, colIdx, 0, int(rg.RowCount), dst)
}

// ReadColumnRangeFromRowGroup bulk-appends the sub-range
// [startRow, startRow+count) of one row group's column into dst, without
// decoding row-by-row. A column scan's fast path uses this directly for a
// contiguous selection; ReadColumnFromRowGroup is the startRow=0,
// count=RowCount special case used by a whole-table scan.
func ReadColumnRangeFromRowGroup(table *SSTable, rg *RowGroupMeta, colIdx, startRow, count int, dst *ColumnBatch) error {
	col := table.schema.Columns[colIdx]
	cm := rg.Columns[colIdx]
	rowCount := int(rg.RowCount)

	chunk, err := table.readAt(cm.Offset, cm.Size)
	if err != nil {
		return err
	}

	dataStart := nullBitmapBytes(cm.HasNulls, rowCount)
	if cm.HasNulls {
		if dst.Nulls == nil {
			// Rows already in dst came from null-free row groups.
			dst.Nulls = make([]bool, dst.RowCount(), dst.RowCount()+count)
		}
		for i := startRow; i < startRow+count; i++ {
			dst.Nulls = append(dst.Nulls, !nullBitmapIsSet(chunk, i))
		}
	} else if dst.Nulls != nil {
		// A prior row group in this scan had nulls; pad with "not null" so
		// indices still line up across the whole batch.
		for i := 0; i < count; i++ {
			dst.Nulls = append(dst.Nulls, false)
		}
	}

	switch col.Type {
	case ColInt64:
		for i := startRow; i < startRow+count; i++ {
			off := dataStart + i*8
			dst.Ints = append(dst.Ints, int64(binary.LittleEndian.Uint64(chunk[off:off+8])))
		}
	case ColDouble:
		for i := startRow; i < startRow+count; i++ {
			off := dataStart + i*8
			dst.Floats = append(dst.Floats, int64BitsAsFloat(binary.LittleEndian.Uint64(chunk[off:off+8])))
		}
	default:
		offsetsStart := dataStart
		payloadStart := offsetsStart + (rowCount+1)*4
		for i := startRow; i < startRow+count; i++ {
			start := binary.LittleEndian.Uint32(chunk[offsetsStart+i*4:])
			end := binary.LittleEndian.Uint32(chunk[offsetsStart+(i+1)*4:])
			dst.Strs = append(dst.Strs, chunk[payloadStart+int(start):payloadStart+int(end)])
		}
	}

	return nil
}

// readColumnValueAt decodes a single row's value for colIdx out of one row
// group, used for the discrete (non-contiguous) branch of a selection where
// a bulk copy isn't possible.
func readColumnValueAt(table *SSTable, rg *RowGroupMeta, colIdx, rowIdx int) (Value, error) {
	col := table.schema.Columns[colIdx]
	cm := rg.Columns[colIdx]
	chunk, err := table.readAt(cm.Offset, cm.Size)
	if err != nil {
		return Value{}, err
	}
	return decodeColumnValue(chunk, col.Type, cm.HasNulls, int(rg.RowCount), rowIdx)
}

// appendValueToBatch appends one decoded Value into dst, keeping Nulls
// aligned with the rest of the batch the same way the bulk path does.
func appendValueToBatch(dst *ColumnBatch, v Value) {
	if v.Null {
		if dst.Nulls == nil {
			dst.Nulls = make([]bool, dst.RowCount())
		}
		dst.Nulls = append(dst.Nulls, true)
	} else if dst.Nulls != nil {
		dst.Nulls = append(dst.Nulls, false)
	}
	switch dst.Type {
	case ColInt64:
		dst.Ints = append(dst.Ints, v.I64)
	case ColDouble:
		dst.Floats = append(dst.Floats, v.F64)
	default:
		dst.Strs = append(dst.Strs, v.Str)
	}
}

func int64BitsAsFloat(bits uint64) float64 {
	return math.Float64frombits(bits)
}
