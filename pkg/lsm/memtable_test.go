package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTablePutGetOverwrite(t *testing.T) {
	m := NewMemTable(intSchema())

	_, err := m.Put(row(1, "v1", 1))
	require.NoError(t, err)
	_, err = m.Put(row(1, "v2", 2))
	require.NoError(t, err)

	got, state, err := m.Get(IntValue(1))
	require.NoError(t, err)
	require.Equal(t, LookupFound, state)
	require.Equal(t, "v2", string(got[1].Str))
}

func TestMemTableDeleteIsTombstone(t *testing.T) {
	m := NewMemTable(intSchema())
	_, err := m.Put(row(1, "v1", 1))
	require.NoError(t, err)
	m.Delete(IntValue(1))

	_, state, err := m.Get(IntValue(1))
	require.NoError(t, err)
	require.Equal(t, LookupTombstone, state)
}

func TestMemTableGetAbsentKey(t *testing.T) {
	m := NewMemTable(intSchema())
	_, state, err := m.Get(IntValue(42))
	require.NoError(t, err)
	require.Equal(t, LookupAbsent, state)
}

func TestMemTableFlushDedupsAndKeepsTombstones(t *testing.T) {
	m := NewMemTable(intSchema())
	_, err := m.Put(row(3, "first", 1))
	require.NoError(t, err)
	_, err = m.Put(row(1, "only", 1))
	require.NoError(t, err)
	_, err = m.Put(row(3, "second", 2))
	require.NoError(t, err)
	m.Delete(IntValue(2))

	rows, err := m.Flush()
	require.NoError(t, err)
	require.Len(t, rows, 3) // keys 1, 2 (tombstone), 3 - deduplicated

	require.Equal(t, int64(1), rows[0].Key.I64)
	require.False(t, rows[0].Tombstone)

	require.Equal(t, int64(2), rows[1].Key.I64)
	require.True(t, rows[1].Tombstone)

	require.Equal(t, int64(3), rows[2].Key.I64)
	require.False(t, rows[2].Tombstone)
	require.Equal(t, "second", string(rows[2].Row[1].Str))
}

func TestMemTableFlushStringKeyOrdering(t *testing.T) {
	schema := Schema{
		Columns: []ColumnDef{
			{Name: "id", Type: ColString},
			{Name: "value", Type: ColInt64},
		},
		PrimaryKeyIdx: 0,
	}
	m := NewMemTable(schema)
	for _, k := range []string{"charlie", "alice", "bob"} {
		_, err := m.Put(Row{StringValue([]byte(k)), IntValue(1)})
		require.NoError(t, err)
	}

	rows, err := m.Flush()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "alice", string(rows[0].Key.Str))
	require.Equal(t, "bob", string(rows[1].Key.Str))
	require.Equal(t, "charlie", string(rows[2].Key.Str))
}

func TestMemTableApproximateSizeGrows(t *testing.T) {
	m := NewMemTable(intSchema())
	before := m.ApproximateSize()
	_, err := m.Put(row(1, "hello world", 1))
	require.NoError(t, err)
	require.Greater(t, m.ApproximateSize(), before)
}

func TestMemTableSchemaMismatch(t *testing.T) {
	m := NewMemTable(intSchema())
	_, err := m.Put(Row{IntValue(1)}) // missing two columns
	require.ErrorIs(t, err, ErrSchemaMismatch)
}
