package lsm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property-based tests for the invariants everything else is built on: the
// row codec must be lossless, the key encoding must embed each key type's
// order into byte order, the memtable must resolve overlapping writes
// last-writer-wins, and a manifest snapshot must reproduce level state
// exactly.

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	return parameters
}

func TestRowCodecProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	properties := gopter.NewProperties(propertyParameters())
	schema := intSchema()

	properties.Property("encode then decode is identity", prop.ForAll(
		func(id int64, name string, score float64, nameNull, scoreNull bool) bool {
			original := Row{IntValue(id), StringValue([]byte(name)), DoubleValue(score)}
			if nameNull {
				original[1] = NullValue(ColString)
			}
			if scoreNull {
				original[2] = NullValue(ColDouble)
			}

			encoded, err := EncodeRow(schema, original)
			if err != nil {
				return false
			}
			decoded, err := DecodeRow(schema, encoded)
			if err != nil {
				return false
			}
			if len(decoded) != len(original) {
				return false
			}
			for i := range original {
				if original[i].Null != decoded[i].Null {
					return false
				}
				if !original[i].Null && CompareKeys(original[i], decoded[i]) != 0 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.AnyString(),
		gen.Float64Range(-1e12, 1e12),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestKeyBytesOrderEmbedding(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	properties := gopter.NewProperties(propertyParameters())

	sign := func(c int) int {
		switch {
		case c < 0:
			return -1
		case c > 0:
			return 1
		default:
			return 0
		}
	}

	// Byte comparison of encoded keys must agree with numeric comparison,
	// including across signs - this is what lets the merge iterator and the
	// on-disk key column compare raw bytes.
	properties.Property("int64 keys order by bytes", prop.ForAll(
		func(a, b int64) bool {
			va, vb := IntValue(a), IntValue(b)
			return sign(compareBytes(KeyBytes(va), KeyBytes(vb))) == sign(CompareKeys(va, vb))
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("double keys order by bytes", prop.ForAll(
		func(a, b float64) bool {
			va, vb := DoubleValue(a), DoubleValue(b)
			return sign(compareBytes(KeyBytes(va), KeyBytes(vb))) == sign(CompareKeys(va, vb))
		},
		gen.Float64Range(-1e12, 1e12),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("string keys order by bytes", prop.ForAll(
		func(a, b string) bool {
			va, vb := StringValue([]byte(a)), StringValue([]byte(b))
			return sign(compareBytes(KeyBytes(va), KeyBytes(vb))) == sign(CompareKeys(va, vb))
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestMemTableLastWriterWinsProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	properties := gopter.NewProperties(propertyParameters())
	schema := intSchema()

	// Keys are drawn from a small range so sequences collide often; the
	// memtable must always surface the last write per key, whatever the
	// interleaving.
	properties.Property("get returns the last put per key", prop.ForAll(
		func(keys []int64, scores []float64) bool {
			mem := NewMemTable(schema)
			want := make(map[int64]float64)

			n := len(keys)
			if len(scores) < n {
				n = len(scores)
			}
			for i := 0; i < n; i++ {
				k := keys[i] % 16
				if _, err := mem.Put(row(k, "x", scores[i])); err != nil {
					return false
				}
				want[k] = scores[i]
			}

			for k, score := range want {
				got, state, err := mem.Get(IntValue(k))
				if err != nil || state != LookupFound {
					return false
				}
				if got[2].F64 != score {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1<<40)),
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
	))

	properties.Property("delete shadows every earlier put", prop.ForAll(
		func(k int64, score float64) bool {
			mem := NewMemTable(schema)
			if _, err := mem.Put(row(k, "x", score)); err != nil {
				return false
			}
			mem.Delete(IntValue(k))
			_, state, err := mem.Get(IntValue(k))
			return err == nil && state == LookupTombstone
		},
		gen.Int64(),
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestManifestSnapshotRoundTripProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	properties := gopter.NewProperties(propertyParameters())
	schema := intSchema()

	properties.Property("snapshot then load reproduces levels", prop.ForAll(
		func(ids []uint64, spans []int64) bool {
			dir := t.TempDir()

			n := len(ids)
			if len(spans) < n {
				n = len(spans)
			}
			if n > 20 {
				n = 20
			}

			levels := make([]*LevelMeta, MaxLevels)
			for i := range levels {
				levels[i] = &LevelMeta{LevelNum: i}
			}
			seen := make(map[uint64]bool)
			for i := 0; i < n; i++ {
				id := ids[i]
				if seen[id] {
					continue
				}
				seen[id] = true
				span := spans[i] % 1000
				if span < 0 {
					span = -span
				}
				min := int64(id) // unique per table, so level sort order is deterministic
				levels[int(id%3)].AddSSTable(&LeveledSSTableMeta{
					ID: id, Level: int(id % 3),
					MinKey: IntValue(min), MaxKey: IntValue(min + span),
					FileSize: span + 1,
				})
			}

			m, err := OpenManifest(dir)
			if err != nil {
				return false
			}
			if err := m.WriteSnapshot(levels, schema); err != nil {
				return false
			}
			if err := m.Close(); err != nil {
				return false
			}

			m2, err := OpenManifest(dir)
			if err != nil {
				return false
			}
			defer m2.Close()
			loaded := make([]*LevelMeta, MaxLevels)
			for i := range loaded {
				loaded[i] = &LevelMeta{LevelNum: i}
			}
			if err := m2.Load(loaded, schema); err != nil {
				return false
			}

			for lvl := range levels {
				if len(levels[lvl].SSTables) != len(loaded[lvl].SSTables) {
					return false
				}
				if levels[lvl].TotalSize != loaded[lvl].TotalSize {
					return false
				}
				for i, want := range levels[lvl].SSTables {
					got := loaded[lvl].SSTables[i]
					if got.ID != want.ID || got.FileSize != want.FileSize {
						return false
					}
					if CompareKeys(got.MinKey, want.MinKey) != 0 || CompareKeys(got.MaxKey, want.MaxKey) != 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(1, 1<<32)),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
