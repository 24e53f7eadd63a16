package lsm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// SSTable is an open, memory-mapped on-disk table. Row group metadata is
// parsed once at open time; row data itself is only touched on demand, via
// the OS page cache, when a scan or point lookup actually needs it.
type SSTable struct {
	id        uint64
	path      string
	schema    Schema
	reader    *mmap.ReaderAt
	fileSize  int
	rowGroups []*RowGroupMeta
	minKey    Value
	maxKey    Value

	// refs counts the tree's own reference plus one per reader snapshot
	// currently using the table outside the tree lock. The mmap is only
	// unmapped when the count reaches zero, so a compaction installing over
	// a table never yanks the mapping out from under an in-flight Get or
	// column scan.
	refs atomic.Int32
}

// OpenSSTable mmaps path and parses its footer and row group metadata.
func OpenSSTable(id uint64, path string, schema Schema) (*SSTable, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lsm: mmap sstable %s: %w", path, err)
	}

	size := r.Len()
	if size < sstableFooterSize {
		r.Close()
		return nil, fmt.Errorf("%w: %s is smaller than a footer", ErrCorruptSSTable, path)
	}

	footer := make([]byte, sstableFooterSize)
	if _, err := r.ReadAt(footer, int64(size-sstableFooterSize)); err != nil {
		r.Close()
		return nil, fmt.Errorf("lsm: read footer: %w", err)
	}

	metaOffset := binary.LittleEndian.Uint32(footer[0:4])
	metaSize := binary.LittleEndian.Uint32(footer[4:8])
	rowGroupCount := binary.LittleEndian.Uint32(footer[8:12])
	columnCount := binary.LittleEndian.Uint16(footer[12:14])
	primaryKeyIdx := binary.LittleEndian.Uint16(footer[14:16])
	version := binary.LittleEndian.Uint16(footer[16:18])
	magic := binary.LittleEndian.Uint32(footer[20:24])

	if magic != sstableMagic {
		r.Close()
		return nil, fmt.Errorf("%w: %s has bad magic %#x", ErrCorruptSSTable, path, magic)
	}
	if version != sstableVersion {
		r.Close()
		return nil, fmt.Errorf("%w: %s is version %d, want %d", ErrCorruptSSTable, path, version, sstableVersion)
	}
	if int(columnCount) != len(schema.Columns) || int(primaryKeyIdx) != schema.PrimaryKeyIdx {
		r.Close()
		return nil, fmt.Errorf("%w: %s schema does not match opened schema", ErrCorruptSSTable, path)
	}

	metaBuf := make([]byte, metaSize)
	if _, err := r.ReadAt(metaBuf, int64(metaOffset)); err != nil {
		r.Close()
		return nil, fmt.Errorf("lsm: read row group metadata: %w", err)
	}

	groups := make([]*RowGroupMeta, 0, rowGroupCount)
	pos := 0
	for i := 0; i < int(rowGroupCount); i++ {
		rg, next, err := DeserializeRowGroupMeta(schema, metaBuf, pos)
		if err != nil {
			r.Close()
			return nil, err
		}
		groups = append(groups, rg)
		pos = next
	}

	table := &SSTable{
		id: id, path: path, schema: schema,
		reader: r, fileSize: size, rowGroups: groups,
	}
	table.refs.Store(1)
	table.computeKeyRange()
	return table, nil
}

func (t *SSTable) computeKeyRange() {
	if len(t.rowGroups) == 0 {
		return
	}
	keyCol := t.schema.PrimaryKeyIdx
	t.maxKey = t.rowGroups[len(t.rowGroups)-1].MaxKey
	for _, rg := range t.rowGroups {
		if rg.Columns[keyCol].Zone.HasValue {
			t.minKey = rg.Columns[keyCol].Zone.Min
			break
		}
	}
}

func (t *SSTable) ID() uint64         { return t.id }
func (t *SSTable) Path() string       { return t.path }
func (t *SSTable) MinKey() Value      { return t.minKey }
func (t *SSTable) MaxKey() Value      { return t.maxKey }
func (t *SSTable) RowGroupCount() int { return len(t.rowGroups) }

func (t *SSTable) RowCount() uint32 {
	var n uint32
	for _, rg := range t.rowGroups {
		n += rg.RowCount
	}
	return n
}

// Retain takes a reference for a reader about to use the table after the
// tree lock is released. Pair with Release.
func (t *SSTable) Retain() {
	t.refs.Add(1)
}

// Release drops a reference; the last one out unmaps the file.
func (t *SSTable) Release() error {
	if t.refs.Add(-1) == 0 {
		return t.reader.Close()
	}
	return nil
}

// Close drops the owning tree's reference, taken at OpenSSTable. The mmap
// stays valid until every retained reader has released as well.
func (t *SSTable) Close() error {
	return t.Release()
}

// readAt copies size bytes starting at offset out of the mapped file.
func (t *SSTable) readAt(offset, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := t.reader.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("lsm: read sstable region: %w", err)
	}
	return buf, nil
}

// candidateRowGroups consults each row group's zone map and bloom filter
// before a point lookup bothers decoding any row, returning the indices of
// the groups that might hold key.
func (t *SSTable) candidateRowGroups(key Value) []int {
	var out []int
	for i, rg := range t.rowGroups {
		keyCol := rg.Columns[t.schema.PrimaryKeyIdx]
		if keyCol.Zone.HasValue && !keyCol.Zone.MayMatchRange(key, key) {
			continue
		}
		if rg.Bloom != nil && !rg.Bloom.MayContain(KeyBytes(key)) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// LookupState distinguishes "this source has no opinion about the key"
// from "this source says the key is deleted" - the latter must stop a
// lookup from falling through to an older source that might still have a
// stale live value.
type LookupState uint8

const (
	LookupAbsent LookupState = iota
	LookupTombstone
	LookupFound
)

// Get performs a point lookup, scanning only row groups whose zone map and
// bloom filter don't rule the key out, and within those doing a column scan
// over just the primary key column followed by a full row materialization
// on a match.
func (t *SSTable) Get(key Value) (Row, LookupState, error) {
	for _, idx := range t.candidateRowGroups(key) {
		rg := t.rowGroups[idx]
		keyCol := rg.Columns[t.schema.PrimaryKeyIdx]
		keyData, err := t.readAt(keyCol.Offset, keyCol.Size)
		if err != nil {
			return nil, LookupAbsent, err
		}
		row, err := t.rowInGroupByKeyBytes(rg, keyData, int(rg.RowCount), key)
		if err != nil {
			return nil, LookupAbsent, err
		}
		if row != nil {
			if row.tombstone {
				return nil, LookupTombstone, nil
			}
			return row.row, LookupFound, nil
		}
	}
	return nil, LookupAbsent, nil
}

type foundRow struct {
	row       Row
	tombstone bool
}

// rowInGroupByKeyBytes binary-searches the primary key column chunk - rows
// within a row group are written in ascending key order - and materializes
// the full row on a match. A row group's primary key is never null in practice -
// nothing would identify such a row - but the on-disk format still carries
// a null bitmap for every column, so HasNulls falls back to the old linear
// scan rather than assume an invariant the footer doesn't actually encode.
func (t *SSTable) rowInGroupByKeyBytes(rg *RowGroupMeta, keyChunk []byte, rowCount int, target Value) (*foundRow, error) {
	keyCol := rg.Columns[t.schema.PrimaryKeyIdx]
	keyType := t.schema.Columns[t.schema.PrimaryKeyIdx].Type
	var matchRow int

	if width, fixed := keyType.fixedWidth(); fixed {
		if keyCol.HasNulls {
			matchRow = linearScanFixedKey(keyChunk, keyCol, keyType, rowCount, width, target)
		} else {
			matchRow = binarySearchFixedKey(keyChunk, keyType, rowCount, width, target)
		}
	} else {
		if keyCol.HasNulls {
			matchRow = linearScanStringKey(keyChunk, keyCol, rowCount, target)
		} else {
			matchRow = binarySearchStringKey(keyChunk, rowCount, target)
		}
	}

	if matchRow == -1 {
		return nil, nil
	}

	tombstone, err := t.isTombstone(rg, matchRow)
	if err != nil {
		return nil, err
	}
	if tombstone {
		return &foundRow{tombstone: true}, nil
	}

	row, err := t.materializeRow(rg, matchRow)
	if err != nil {
		return nil, err
	}
	return &foundRow{row: row}, nil
}

// decodeFixedKeyAt reinterprets the width bytes at row i of a fixed-width
// key chunk as a Value of keyType, undoing binaryBitsOf's raw bit-pattern
// storage so the result compares correctly under CompareKeys.
func decodeFixedKeyAt(keyChunk []byte, keyType ColumnType, dataStart, width, i int) Value {
	off := dataStart + i*width
	bits := binary.LittleEndian.Uint64(keyChunk[off : off+8])
	if keyType == ColInt64 {
		return IntValue(int64(bits))
	}
	return DoubleValue(math.Float64frombits(bits))
}

// binarySearchFixedKey finds target's row within a null-free fixed-width
// key column, relying on the RowGroup invariant that rows are stored in
// ascending key order.
func binarySearchFixedKey(keyChunk []byte, keyType ColumnType, rowCount, width int, target Value) int {
	lo, hi := 0, rowCount-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch cmp := CompareKeys(decodeFixedKeyAt(keyChunk, keyType, 0, width, mid), target); {
		case cmp == 0:
			return mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

func linearScanFixedKey(keyChunk []byte, keyCol ColumnChunkMeta, keyType ColumnType, rowCount, width int, target Value) int {
	dataStart := nullBitmapBytes(keyCol.HasNulls, rowCount)
	for i := 0; i < rowCount; i++ {
		if keyCol.HasNulls && !nullBitmapIsSet(keyChunk, i) {
			continue
		}
		if CompareKeys(decodeFixedKeyAt(keyChunk, keyType, dataStart, width, i), target) == 0 {
			return i
		}
	}
	return -1
}

// stringKeyAt returns row i's bytes out of a null-free string column's
// offset table plus concatenated payload.
func stringKeyAt(keyChunk []byte, rowCount, i int) []byte {
	offsetsStart := 0
	payloadStart := offsetsStart + (rowCount+1)*4
	start := binary.LittleEndian.Uint32(keyChunk[offsetsStart+i*4:])
	end := binary.LittleEndian.Uint32(keyChunk[offsetsStart+(i+1)*4:])
	return keyChunk[payloadStart+int(start) : payloadStart+int(end)]
}

// binarySearchStringKey finds target's row within a null-free string key
// column, relying on the RowGroup invariant that rows are stored in
// ascending key order.
func binarySearchStringKey(keyChunk []byte, rowCount int, target Value) int {
	lo, hi := 0, rowCount-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch cmp := compareBytes(stringKeyAt(keyChunk, rowCount, mid), target.Str); {
		case cmp == 0:
			return mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

func linearScanStringKey(keyChunk []byte, keyCol ColumnChunkMeta, rowCount int, target Value) int {
	bitmapLen := nullBitmapBytes(keyCol.HasNulls, rowCount)
	offsetsStart := bitmapLen
	payloadStart := offsetsStart + (rowCount+1)*4
	for i := 0; i < rowCount; i++ {
		if keyCol.HasNulls && !nullBitmapIsSet(keyChunk, i) {
			continue
		}
		start := binary.LittleEndian.Uint32(keyChunk[offsetsStart+i*4:])
		end := binary.LittleEndian.Uint32(keyChunk[offsetsStart+(i+1)*4:])
		val := keyChunk[payloadStart+int(start) : payloadStart+int(end)]
		if compareBytes(val, target.Str) == 0 {
			return i
		}
	}
	return -1
}

// isTombstone reports whether row rowIdx within rg is a deleted marker.
func (t *SSTable) isTombstone(rg *RowGroupMeta, rowIdx int) (bool, error) {
	if rg.TombstoneSize == 0 {
		return false, nil
	}
	bitmap, err := t.readAt(rg.TombstoneOffset, rg.TombstoneSize)
	if err != nil {
		return false, err
	}
	return nullBitmapIsSet(bitmap, rowIdx), nil
}

func nullBitmapBytes(hasNulls bool, rowCount int) int {
	if !hasNulls {
		return 0
	}
	return (rowCount + 7) / 8
}

func nullBitmapIsSet(chunk []byte, row int) bool {
	return chunk[row/8]&(1<<(row%8)) != 0
}

// materializeRow decodes every column's value for row rowIdx within rg.
func (t *SSTable) materializeRow(rg *RowGroupMeta, rowIdx int) (Row, error) {
	row := make(Row, len(t.schema.Columns))
	for i, col := range t.schema.Columns {
		cm := rg.Columns[i]
		chunk, err := t.readAt(cm.Offset, cm.Size)
		if err != nil {
			return nil, err
		}
		v, err := decodeColumnValue(chunk, col.Type, cm.HasNulls, int(rg.RowCount), rowIdx)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func decodeColumnValue(chunk []byte, typ ColumnType, hasNulls bool, rowCount, rowIdx int) (Value, error) {
	if hasNulls && !nullBitmapIsSet(chunk, rowIdx) {
		return NullValue(typ), nil
	}
	dataStart := nullBitmapBytes(hasNulls, rowCount)

	if width, fixed := typ.fixedWidth(); fixed {
		off := dataStart + rowIdx*width
		if off+width > len(chunk) {
			return Value{}, fmt.Errorf("%w: column chunk too short", ErrCorruptSSTable)
		}
		bits := binary.LittleEndian.Uint64(chunk[off : off+width])
		if typ == ColInt64 {
			return IntValue(int64(bits)), nil
		}
		return Value{Type: ColDouble, F64: math.Float64frombits(bits)}, nil
	}

	offsetsStart := dataStart
	payloadStart := offsetsStart + (rowCount+1)*4
	start := binary.LittleEndian.Uint32(chunk[offsetsStart+rowIdx*4:])
	end := binary.LittleEndian.Uint32(chunk[offsetsStart+(rowIdx+1)*4:])
	return StringValue(chunk[payloadStart+int(start) : payloadStart+int(end)]), nil
}
