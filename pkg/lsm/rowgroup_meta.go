package lsm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ColumnChunkMeta locates one column's packed bytes within a row group and
// carries its zone map.
type ColumnChunkMeta struct {
	Offset   uint32 // byte offset within the SSTable file
	Size     uint32 // byte length, including any null bitmap prefix
	HasNulls bool   // true if the chunk is prefixed with a null bitmap
	Zone     ZoneMap
}

// RowGroupMeta describes one PAX row group: where its column chunks live,
// its primary-key bloom filter, and the key range it covers.
type RowGroupMeta struct {
	Offset          uint32 // byte offset of the row group's first column chunk
	RowCount        uint32
	Columns         []ColumnChunkMeta
	Bloom           *BloomFilter
	MaxKey          Value
	KeyColumnOffset uint32
	KeyColumnSize   uint32

	// TombstoneOffset/Size locate a packed 1-bit-per-row bitmap marking
	// deleted keys, written right after the last column chunk. Size is 0
	// when the row group has no tombstones at all, which is the common
	// case for a table produced by compacting down to the bottom level.
	TombstoneOffset uint32
	TombstoneSize   uint32
}

// Serialize appends rg's metadata to buf in the wire format read back by
// Deserialize. schema supplies each column's type so zone map min/max can
// be encoded without repeating type tags per column.
func (rg *RowGroupMeta) Serialize(schema Schema, buf []byte) []byte {
	buf = appendU32(buf, rg.Offset)
	buf = appendU32(buf, rg.RowCount)

	for i, col := range rg.Columns {
		buf = appendU32(buf, col.Offset)
		buf = appendU32(buf, col.Size)
		buf = append(buf, boolByte(col.HasNulls))
		buf = append(buf, boolByte(col.Zone.HasValue))
		if col.Zone.HasValue {
			buf = appendZoneValue(buf, schema.Columns[i].Type, col.Zone.Min, false)
			buf = appendZoneValue(buf, schema.Columns[i].Type, col.Zone.Max, true)
		}
	}

	bloomBytes := rg.Bloom.Bytes()
	buf = appendU32(buf, uint32(len(bloomBytes)))
	buf = append(buf, bloomBytes...)

	buf = appendU32(buf, uint32(len(KeyBytes(rg.MaxKey))))
	buf = append(buf, KeyBytes(rg.MaxKey)...)

	buf = appendU32(buf, rg.KeyColumnOffset)
	buf = appendU32(buf, rg.KeyColumnSize)

	buf = appendU32(buf, rg.TombstoneOffset)
	buf = appendU32(buf, rg.TombstoneSize)

	return buf
}

func appendZoneValue(buf []byte, typ ColumnType, v Value, isMax bool) []byte {
	switch typ {
	case ColInt64, ColDouble:
		return append(buf, KeyBytes(v)...)
	default:
		var truncated []byte
		if isMax {
			truncated = truncateZoneMapMax(v.Str)
		} else {
			truncated = truncateZoneMapMin(v.Str)
		}
		buf = appendU32(buf, uint32(len(truncated)))
		return append(buf, truncated...)
	}
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// DeserializeRowGroupMeta reads one RowGroupMeta starting at data[pos] and
// returns it along with the position immediately following it.
func DeserializeRowGroupMeta(schema Schema, data []byte, pos int) (*RowGroupMeta, int, error) {
	rg := &RowGroupMeta{}

	var ok bool
	rg.Offset, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: row group offset", ErrCorruptSSTable)
	}
	rg.RowCount, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: row group row count", ErrCorruptSSTable)
	}

	rg.Columns = make([]ColumnChunkMeta, len(schema.Columns))
	for i, col := range schema.Columns {
		var cm ColumnChunkMeta
		cm.Offset, pos, ok = readU32(data, pos)
		if !ok {
			return nil, 0, fmt.Errorf("%w: column chunk offset", ErrCorruptSSTable)
		}
		cm.Size, pos, ok = readU32(data, pos)
		if !ok {
			return nil, 0, fmt.Errorf("%w: column chunk size", ErrCorruptSSTable)
		}
		if pos >= len(data) {
			return nil, 0, fmt.Errorf("%w: column chunk flags", ErrCorruptSSTable)
		}
		cm.HasNulls = data[pos] != 0
		pos++
		if pos >= len(data) {
			return nil, 0, fmt.Errorf("%w: zone map flag", ErrCorruptSSTable)
		}
		hasZone := data[pos] != 0
		pos++
		if hasZone {
			var minV, maxV Value
			minV, pos, ok = readZoneValue(data, pos, col.Type)
			if !ok {
				return nil, 0, fmt.Errorf("%w: zone map min", ErrCorruptSSTable)
			}
			maxV, pos, ok = readZoneValue(data, pos, col.Type)
			if !ok {
				return nil, 0, fmt.Errorf("%w: zone map max", ErrCorruptSSTable)
			}
			cm.Zone = ZoneMap{HasValue: true, Min: minV, Max: maxV}
		}
		rg.Columns[i] = cm
	}

	var bloomLen uint32
	bloomLen, pos, ok = readU32(data, pos)
	if !ok || pos+int(bloomLen) > len(data) {
		return nil, 0, fmt.Errorf("%w: bloom filter", ErrCorruptSSTable)
	}
	rg.Bloom = NewBloomFilter(append([]byte(nil), data[pos:pos+int(bloomLen)]...))
	pos += int(bloomLen)

	var maxKeyLen uint32
	maxKeyLen, pos, ok = readU32(data, pos)
	if !ok || pos+int(maxKeyLen) > len(data) {
		return nil, 0, fmt.Errorf("%w: max key", ErrCorruptSSTable)
	}
	maxKeyBytes := append([]byte(nil), data[pos:pos+int(maxKeyLen)]...)
	pos += int(maxKeyLen)
	rg.MaxKey = decodeKeyBytes(schema.PrimaryKeyType(), maxKeyBytes)

	rg.KeyColumnOffset, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: key column offset", ErrCorruptSSTable)
	}
	rg.KeyColumnSize, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: key column size", ErrCorruptSSTable)
	}

	rg.TombstoneOffset, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: tombstone bitmap offset", ErrCorruptSSTable)
	}
	rg.TombstoneSize, pos, ok = readU32(data, pos)
	if !ok {
		return nil, 0, fmt.Errorf("%w: tombstone bitmap size", ErrCorruptSSTable)
	}

	return rg, pos, nil
}

func readU32(data []byte, pos int) (uint32, int, bool) {
	if pos+4 > len(data) {
		return 0, pos, false
	}
	return binary.LittleEndian.Uint32(data[pos:]), pos + 4, true
}

func readZoneValue(data []byte, pos int, typ ColumnType) (Value, int, bool) {
	switch typ {
	case ColInt64, ColDouble:
		if pos+8 > len(data) {
			return Value{}, pos, false
		}
		v := decodeKeyBytes(typ, data[pos:pos+8])
		return v, pos + 8, true
	default:
		length, newPos, ok := readU32(data, pos)
		if !ok || newPos+int(length) > len(data) {
			return Value{}, pos, false
		}
		return StringValue(data[newPos : newPos+int(length)]), newPos + int(length), true
	}
}

// decodeKeyBytes inverts KeyBytes for a value of the given type.
func decodeKeyBytes(typ ColumnType, b []byte) Value {
	switch typ {
	case ColInt64:
		u := binary.BigEndian.Uint64(b)
		return IntValue(int64(u ^ (1 << 63)))
	case ColDouble:
		u := binary.BigEndian.Uint64(b)
		if u&(1<<63) != 0 {
			u ^= 1 << 63
		} else {
			u = ^u
		}
		return DoubleValue(math.Float64frombits(u))
	default:
		return StringValue(b)
	}
}
