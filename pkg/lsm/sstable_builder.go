package lsm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/dd0wney/columnforge/pkg/pools"
)

const (
	sstableMagic       uint32 = 0x5A4B5254
	sstableVersion     uint16 = 2
	sstableFooterSize         = 24
	sstableAlignment          = 4096
	rowGroupTargetSize        = 16 * 1024 * 1024
)

func alignTo(offset, alignment int) int {
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

// columnBuilder accumulates one column's values for the row group currently
// being built: an optional null bitmap, then packed data (fixed-width
// values back to back, or a string's offset table followed by its bytes).
type columnBuilder struct {
	typ      ColumnType
	nulls    []bool
	hasNull  bool
	fixed    []byte   // fixed-width columns: packed 8-byte values
	strs     [][]byte // string columns: per-row value (nil for null)
	dataSize int      // running encoded size, so sizing the row group is O(1)
	zone     *ZoneMapBuilder
}

func newColumnBuilder(typ ColumnType) *columnBuilder {
	return &columnBuilder{typ: typ, zone: NewZoneMapBuilder(typ)}
}

func (c *columnBuilder) add(v Value) {
	c.nulls = append(c.nulls, v.Null)
	if v.Null {
		c.hasNull = true
	}
	c.zone.Add(v)

	switch c.typ {
	case ColInt64, ColDouble:
		var tmp [8]byte
		if !v.Null {
			binary.LittleEndian.PutUint64(tmp[:], binaryBitsOf(v))
		}
		c.fixed = append(c.fixed, tmp[:]...)
		c.dataSize += 8
	default:
		if v.Null {
			c.strs = append(c.strs, nil)
		} else {
			c.strs = append(c.strs, v.Str)
			c.dataSize += len(v.Str)
		}
		c.dataSize += 4 // offset-table entry
	}
}

// encodedSizeHint is the upper bound of what bytes will produce for
// rowCount rows: the running data size, the string offset table's leading
// entry, and the null bitmap if one will be emitted.
func (c *columnBuilder) encodedSizeHint(rowCount int) int {
	size := c.dataSize
	if c.typ != ColInt64 && c.typ != ColDouble {
		size += 4
	}
	if c.hasNull {
		size += (rowCount + 7) / 8
	}
	return size
}

func binaryBitsOf(v Value) uint64 {
	if v.Type == ColInt64 {
		return uint64(v.I64)
	}
	return math.Float64bits(v.F64)
}

// bytes packs the column's on-disk representation: a 1-bit-per-row null
// bitmap when any row is null, followed by the data section. Fixed-width
// data is written for every row (nulled slots carry zero bytes and must be
// ignored by readers that consult the bitmap); string data is an array of
// rowCount+1 uint32 end-offsets followed by the concatenated bytes of
// non-null values.
func (c *columnBuilder) bytes(rowCount int, buf []byte) []byte {
	if c.hasNull {
		bitmap := make([]byte, (rowCount+7)/8)
		for i, isNull := range c.nulls {
			if !isNull {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}
		buf = append(buf, bitmap...)
	}

	switch c.typ {
	case ColInt64, ColDouble:
		buf = append(buf, c.fixed...)
	default:
		offsets := make([]byte, 0, (rowCount+1)*4)
		var payload []byte
		var end uint32
		offsets = appendU32(offsets, end)
		for _, s := range c.strs {
			end += uint32(len(s))
			offsets = appendU32(offsets, end)
			payload = append(payload, s...)
		}
		buf = append(buf, offsets...)
		buf = append(buf, payload...)
	}
	return buf
}

// rowGroupBuilder accumulates one PAX row group's worth of rows before it
// is flushed to disk.
type rowGroupBuilder struct {
	schema     Schema
	columns    []*columnBuilder
	keys       [][]byte
	tombstones []bool
	anyTomb    bool
	rows       int
}

func newRowGroupBuilder(schema Schema) *rowGroupBuilder {
	rgb := &rowGroupBuilder{schema: schema}
	for _, col := range schema.Columns {
		rgb.columns = append(rgb.columns, newColumnBuilder(col.Type))
	}
	return rgb
}

// addRow appends a live row. addTombstone appends a deleted key with all
// columns recorded as null so every column chunk in the row group keeps
// the same row count.
func (rgb *rowGroupBuilder) addRow(key Value, row Row) {
	for i, v := range row {
		rgb.columns[i].add(v)
	}
	rgb.keys = append(rgb.keys, append([]byte(nil), KeyBytes(key)...))
	rgb.tombstones = append(rgb.tombstones, false)
	rgb.rows++
}

func (rgb *rowGroupBuilder) addTombstone(key Value) {
	// Every non-key column is null; the key column itself keeps its real
	// value so a point lookup's key-column scan still finds this row and
	// can consult the tombstone bitmap, rather than skipping it as null.
	for i, col := range rgb.schema.Columns {
		if i == rgb.schema.PrimaryKeyIdx {
			rgb.columns[i].add(key)
		} else {
			rgb.columns[i].add(NullValue(col.Type))
		}
	}
	rgb.keys = append(rgb.keys, append([]byte(nil), KeyBytes(key)...))
	rgb.tombstones = append(rgb.tombstones, true)
	rgb.anyTomb = true
	rgb.rows++
}

func (rgb *rowGroupBuilder) estimatedSize() int {
	total := 0
	for _, c := range rgb.columns {
		total += c.encodedSizeHint(rgb.rows)
	}
	return total
}

// SSTableBuilder assembles an immutable, on-disk SSTable: one or more PAX
// row groups each with its own bloom filter and per-column zone maps,
// followed by a metadata blob and a fixed-size footer.
type SSTableBuilder struct {
	schema Schema
	path   string

	file    *os.File
	offset  int
	current *rowGroupBuilder
	groups  []*RowGroupMeta
}

// NewSSTableBuilder creates a builder that will write to path.
func NewSSTableBuilder(schema Schema, path string) (*SSTableBuilder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("lsm: open sstable %s: %w", path, err)
	}
	return &SSTableBuilder{schema: schema, path: path, file: f, current: newRowGroupBuilder(schema)}, nil
}

// Add appends one row, belonging to the row group currently being filled.
// When the row group would exceed rowGroupTargetSize it is flushed first.
func (b *SSTableBuilder) Add(key Value, row Row) error {
	if err := b.rotateIfFull(); err != nil {
		return err
	}
	b.current.addRow(key, row)
	return nil
}

// AddTombstone records that key is deleted as of this table, so a merge
// reading an older table underneath still sees the deletion rather than a
// stale value. Compaction drops these once a job reaches the bottom level
// a key can possibly live in.
func (b *SSTableBuilder) AddTombstone(key Value) error {
	if err := b.rotateIfFull(); err != nil {
		return err
	}
	b.current.addTombstone(key)
	return nil
}

func (b *SSTableBuilder) rotateIfFull() error {
	if b.current.rows > 0 && b.current.estimatedSize() >= rowGroupTargetSize {
		return b.flushRowGroup()
	}
	return nil
}

func (b *SSTableBuilder) flushRowGroup() error {
	rg := b.current
	if rg.rows == 0 {
		return nil
	}

	meta := &RowGroupMeta{Offset: uint32(b.offset), RowCount: uint32(rg.rows)}

	for i, col := range rg.columns {
		data := col.bytes(rg.rows, pools.GetBytes(col.encodedSizeHint(rg.rows)))
		if _, err := b.file.Write(data); err != nil {
			pools.PutBytes(data)
			return fmt.Errorf("lsm: write column chunk: %w", err)
		}
		size := len(data)
		pools.PutBytes(data)
		meta.Columns = append(meta.Columns, ColumnChunkMeta{
			Offset:   uint32(b.offset),
			Size:     uint32(size),
			HasNulls: col.hasNull,
			Zone:     col.zone.Finish(),
		})
		b.offset += size
		if i == b.schema.PrimaryKeyIdx {
			meta.KeyColumnOffset = meta.Columns[i].Offset
			meta.KeyColumnSize = meta.Columns[i].Size
		}
	}

	if rg.anyTomb {
		bitmap := make([]byte, (rg.rows+7)/8)
		for i, t := range rg.tombstones {
			if t {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}
		if _, err := b.file.Write(bitmap); err != nil {
			return fmt.Errorf("lsm: write tombstone bitmap: %w", err)
		}
		meta.TombstoneOffset = uint32(b.offset)
		meta.TombstoneSize = uint32(len(bitmap))
		b.offset += len(bitmap)
	}

	// Pad the row group out to a page boundary so a reader touching only
	// this row group's columns - the common case, since a scan usually
	// consults one or two columns, not every column in the table - never
	// faults in bytes belonging to its neighbor.
	padTo := alignTo(b.offset, sstableAlignment)
	if pad := padTo - b.offset; pad > 0 {
		if _, werr := b.file.Write(make([]byte, pad)); werr != nil {
			return fmt.Errorf("lsm: pad row group: %w", werr)
		}
		b.offset = padTo
	}

	bloom := NewBloomFilterBuilder(rg.rows)
	for _, k := range rg.keys {
		bloom.AddKey(k)
	}
	meta.Bloom = bloom.Finish()
	meta.MaxKey = decodeKeyBytes(b.schema.PrimaryKeyType(), rg.keys[len(rg.keys)-1])

	b.groups = append(b.groups, meta)
	b.current = newRowGroupBuilder(b.schema)
	return nil
}

// Finish flushes any pending row group, writes the metadata blob and
// footer, and closes the file. Returns the [minKey, maxKey] range covered.
func (b *SSTableBuilder) Finish() (minKey, maxKey Value, err error) {
	if err := b.flushRowGroup(); err != nil {
		return Value{}, Value{}, err
	}
	if len(b.groups) == 0 {
		b.file.Close()
		return Value{}, Value{}, fmt.Errorf("lsm: refusing to write an empty sstable")
	}

	// Align the metadata blob to a page boundary so a future mmap-based
	// reader can fault it in independently of the row group data.
	padTo := alignTo(b.offset, sstableAlignment)
	if pad := padTo - b.offset; pad > 0 {
		if _, werr := b.file.Write(make([]byte, pad)); werr != nil {
			return Value{}, Value{}, werr
		}
		b.offset = padTo
	}

	metaOffset := b.offset
	var metaBuf []byte
	for _, rg := range b.groups {
		metaBuf = rg.Serialize(b.schema, metaBuf)
	}
	if _, werr := b.file.Write(metaBuf); werr != nil {
		return Value{}, Value{}, werr
	}

	footer := make([]byte, 0, sstableFooterSize)
	footer = appendU32(footer, uint32(metaOffset))
	footer = appendU32(footer, uint32(len(metaBuf)))
	footer = appendU32(footer, uint32(len(b.groups)))
	footer = appendU16(footer, uint16(len(b.schema.Columns)))
	footer = appendU16(footer, uint16(b.schema.PrimaryKeyIdx))
	footer = appendU16(footer, sstableVersion)
	footer = appendU16(footer, 0) // reserved
	footer = appendU32(footer, sstableMagic)
	if len(footer) != sstableFooterSize {
		return Value{}, Value{}, fmt.Errorf("lsm: internal error: footer is %d bytes, want %d", len(footer), sstableFooterSize)
	}
	if _, werr := b.file.Write(footer); werr != nil {
		return Value{}, Value{}, werr
	}

	if err := b.file.Sync(); err != nil {
		return Value{}, Value{}, err
	}
	if err := b.file.Close(); err != nil {
		return Value{}, Value{}, err
	}

	minKey = firstRowGroupMinKey(b.groups, b.schema)
	maxKey = b.groups[len(b.groups)-1].MaxKey
	return minKey, maxKey, nil
}

func firstRowGroupMinKey(groups []*RowGroupMeta, schema Schema) Value {
	// The first row group's min key is its smallest key; row groups are
	// filled in ascending key order by the flush/compaction paths that
	// drive this builder, so the minimum of the whole table is simply the
	// zone map min of its key column's first row group.
	first := groups[0]
	keyCol := first.Columns[schema.PrimaryKeyIdx]
	if keyCol.Zone.HasValue {
		return keyCol.Zone.Min
	}
	return first.MaxKey
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
