package lsm

import (
	"bytes"
	"encoding/binary"
	"math"
)

// ColumnType identifies the physical representation of a column's values.
type ColumnType uint8

const (
	ColInt64 ColumnType = iota
	ColDouble
	ColString
)

func (t ColumnType) fixedWidth() (int, bool) {
	switch t {
	case ColInt64, ColDouble:
		return 8, true
	default:
		return 0, false
	}
}

// ColumnDef describes one column of a table's schema.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// Schema describes the columns of a table and which one serves as the
// primary key. The primary key column must be ColInt64 or ColString - the
// vectorized memtable only carries specialized entry arrays for those two
// key types, matching the columns it is actually asked to index.
type Schema struct {
	Columns       []ColumnDef
	PrimaryKeyIdx int
}

// ColumnIndex returns the index of name in the schema, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) PrimaryKeyType() ColumnType {
	return s.Columns[s.PrimaryKeyIdx].Type
}

// Value is a single column value, tagged by type. Null, when true, makes the
// other fields meaningless.
type Value struct {
	Type ColumnType
	Null bool
	I64  int64
	F64  float64
	Str  []byte
}

func IntValue(v int64) Value       { return Value{Type: ColInt64, I64: v} }
func DoubleValue(v float64) Value  { return Value{Type: ColDouble, F64: v} }
func StringValue(v []byte) Value   { return Value{Type: ColString, Str: v} }
func NullValue(t ColumnType) Value { return Value{Type: t, Null: true} }

// Row is one record: one Value per schema column, in column order.
type Row []Value

// KeyBytes returns the canonical byte encoding of v used for memtable
// ordering, bloom filter hashing, and zone map min/max storage. Integers and
// doubles are encoded big-endian-of-a-sign-flipped-bit-pattern so that
// lexicographic byte comparison matches numeric comparison.
func KeyBytes(v Value) []byte {
	switch v.Type {
	case ColInt64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipInt64(v.I64))
		return buf[:]
	case ColDouble:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipFloat64(v.F64))
		return buf[:]
	default:
		return v.Str
	}
}

func flipInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func flipFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits ^ (1 << 63)
}

// CompareKeys orders two values of the same ColumnType. Behavior for mixed
// types is undefined; callers must not compare across column types.
func CompareKeys(a, b Value) int {
	switch a.Type {
	case ColInt64:
		switch {
		case a.I64 < b.I64:
			return -1
		case a.I64 > b.I64:
			return 1
		default:
			return 0
		}
	case ColDouble:
		switch {
		case a.F64 < b.F64:
			return -1
		case a.F64 > b.F64:
			return 1
		default:
			return 0
		}
	default:
		return bytes.Compare(a.Str, b.Str)
	}
}

// KeyRangesOverlap reports whether [min1,max1] and [min2,max2] intersect.
func KeyRangesOverlap(min1, max1, min2, max2 Value) bool {
	return CompareKeys(min1, max2) <= 0 && CompareKeys(min2, max1) <= 0
}
