package lsm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeRow packs row into the wire format used for WAL payloads and
// memtable values: one column at a time, each as a null flag byte followed
// (when not null) by a length-prefixed value. Fixed-width types are still
// length-prefixed here for a uniform decode loop; the fixed width is only
// assumed once data lands in a columnar SSTable chunk.
func EncodeRow(schema Schema, row Row) ([]byte, error) {
	return EncodeRowInto(schema, row, make([]byte, 0, 64))
}

// EncodeRowInto encodes row the same way EncodeRow does, appending onto buf
// (typically a pool-borrowed scratch buffer reset to zero length) instead of
// always allocating a fresh one. The returned slice may share buf's backing
// array or, if row didn't fit, point at a newly grown one.
func EncodeRowInto(schema Schema, row Row, buf []byte) ([]byte, error) {
	if len(row) != len(schema.Columns) {
		return nil, fmt.Errorf("%w: row has %d columns, schema has %d", ErrSchemaMismatch, len(row), len(schema.Columns))
	}

	for i, v := range row {
		if v.Type != schema.Columns[i].Type {
			return nil, fmt.Errorf("%w: column %q expects %v, got %v", ErrSchemaMismatch, schema.Columns[i].Name, schema.Columns[i].Type, v.Type)
		}
		buf = appendValue(buf, v)
	}
	return buf, nil
}

func appendValue(buf []byte, v Value) []byte {
	if v.Null {
		return append(buf, 0)
	}
	buf = append(buf, 1)

	switch v.Type {
	case ColInt64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.I64))
		buf = appendLenPrefixed(buf, tmp[:])
	case ColDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.F64))
		buf = appendLenPrefixed(buf, tmp[:])
	default:
		buf = appendLenPrefixed(buf, v.Str)
	}
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// DecodeRow unpacks bytes produced by EncodeRow.
func DecodeRow(schema Schema, data []byte) (Row, error) {
	row := make(Row, len(schema.Columns))
	pos := 0
	for i, col := range schema.Columns {
		v, n, err := decodeValueAt(data, pos, col.Type)
		if err != nil {
			return nil, err
		}
		row[i] = v
		pos = n
	}
	return row, nil
}

// DecodeColumn walks data sequentially and returns just the value for
// column targetIdx, skipping the columns before it without materializing
// them. Nothing outside the tests calls it; point lookups read keys from
// memtable entries and SSTable key columns instead.
func DecodeColumn(schema Schema, data []byte, targetIdx int) (Value, error) {
	pos := 0
	for i, col := range schema.Columns {
		v, n, err := decodeValueAt(data, pos, col.Type)
		if err != nil {
			return Value{}, err
		}
		if i == targetIdx {
			return v, nil
		}
		pos = n
	}
	return Value{}, fmt.Errorf("%w: column index %d", ErrUnknownColumn, targetIdx)
}

func decodeValueAt(data []byte, pos int, typ ColumnType) (Value, int, error) {
	if pos >= len(data) {
		return Value{}, 0, fmt.Errorf("%w: truncated row at offset %d", ErrCorruptSSTable, pos)
	}
	isNull := data[pos] == 0
	pos++
	if isNull {
		return NullValue(typ), pos, nil
	}

	if pos+4 > len(data) {
		return Value{}, 0, fmt.Errorf("%w: truncated length prefix", ErrCorruptSSTable)
	}
	length := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+length > len(data) {
		return Value{}, 0, fmt.Errorf("%w: truncated value", ErrCorruptSSTable)
	}
	raw := data[pos : pos+length]
	pos += length

	switch typ {
	case ColInt64:
		if len(raw) != 8 {
			return Value{}, 0, fmt.Errorf("%w: int64 column has %d bytes", ErrCorruptSSTable, len(raw))
		}
		return IntValue(int64(binary.LittleEndian.Uint64(raw))), pos, nil
	case ColDouble:
		if len(raw) != 8 {
			return Value{}, 0, fmt.Errorf("%w: double column has %d bytes", ErrCorruptSSTable, len(raw))
		}
		return DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(raw))), pos, nil
	default:
		return StringValue(raw), pos, nil
	}
}
