package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRowRoundTrip(t *testing.T) {
	schema := intSchema()
	r := row(7, "hello", 3.5)

	encoded, err := EncodeRow(schema, r)
	require.NoError(t, err)

	decoded, err := DecodeRow(schema, encoded)
	require.NoError(t, err)
	require.Equal(t, int64(7), decoded[0].I64)
	require.Equal(t, "hello", string(decoded[1].Str))
	require.Equal(t, 3.5, decoded[2].F64)
}

func TestEncodeRowRejectsSchemaMismatch(t *testing.T) {
	schema := intSchema()
	_, err := EncodeRow(schema, Row{IntValue(1)})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEncodeDecodeRowWithNulls(t *testing.T) {
	schema := intSchema()
	r := Row{IntValue(1), NullValue(ColString), NullValue(ColDouble)}

	encoded, err := EncodeRow(schema, r)
	require.NoError(t, err)

	decoded, err := DecodeRow(schema, encoded)
	require.NoError(t, err)
	require.False(t, decoded[0].Null)
	require.True(t, decoded[1].Null)
	require.True(t, decoded[2].Null)
}

func TestDecodeColumnSkipsPrecedingColumns(t *testing.T) {
	schema := intSchema()
	encoded, err := EncodeRow(schema, row(1, "name-value", 2.5))
	require.NoError(t, err)

	v, err := DecodeColumn(schema, encoded, 2)
	require.NoError(t, err)
	require.Equal(t, 2.5, v.F64)
}

func TestKeyBytesOrderingMatchesNumericOrdering(t *testing.T) {
	require.True(t, CompareKeys(IntValue(-5), IntValue(3)) < 0)
	lo := KeyBytes(IntValue(-5))
	hi := KeyBytes(IntValue(3))
	require.True(t, string(lo) < string(hi))
}

func TestKeyRangesOverlap(t *testing.T) {
	require.True(t, KeyRangesOverlap(IntValue(0), IntValue(10), IntValue(5), IntValue(15)))
	require.False(t, KeyRangesOverlap(IntValue(0), IntValue(10), IntValue(11), IntValue(20)))
}
