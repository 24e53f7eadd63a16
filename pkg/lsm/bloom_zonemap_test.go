package lsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	keys := make([][]byte, 200)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
	}

	b := NewBloomFilterBuilder(len(keys))
	for _, k := range keys {
		b.AddKey(k)
	}
	filter := b.Finish()

	for _, k := range keys {
		require.True(t, filter.MayContain(k), "bloom filter produced a false negative for %q", k)
	}
}

func TestBloomFilterRoundTripsThroughBytes(t *testing.T) {
	b := NewBloomFilterBuilder(10)
	b.AddKey([]byte("alice"))
	built := b.Finish()

	reloaded := NewBloomFilter(built.Bytes())
	require.True(t, reloaded.MayContain([]byte("alice")))
}

func TestBloomFilterEmptyNeverMatches(t *testing.T) {
	f := NewBloomFilter(nil)
	require.False(t, f.MayContain([]byte("anything")))
}

func TestZoneMapMayMatchRange(t *testing.T) {
	b := NewZoneMapBuilder(ColInt64)
	for _, v := range []int64{5, 10, 15, 20} {
		b.Add(IntValue(v))
	}
	zm := b.Finish()

	require.True(t, zm.HasValue)
	require.True(t, zm.MayMatchRange(IntValue(0), IntValue(5)))
	require.True(t, zm.MayMatchRange(IntValue(12), IntValue(100)))
	require.False(t, zm.MayMatchRange(IntValue(21), IntValue(30)))
	require.False(t, zm.MayMatchRange(IntValue(-10), IntValue(4)))
}

func TestZoneMapAllNullHasNoValue(t *testing.T) {
	b := NewZoneMapBuilder(ColInt64)
	b.Add(NullValue(ColInt64))
	b.Add(NullValue(ColInt64))
	zm := b.Finish()

	require.False(t, zm.HasValue)
	require.False(t, zm.MayMatchRange(IntValue(0), IntValue(100)))
}

func TestZoneMapStringPrefixTruncation(t *testing.T) {
	long := make([]byte, stringZoneMapPrefixLen+10)
	for i := range long {
		long[i] = 'a'
	}
	truncatedMin := truncateZoneMapMin(long)
	require.Len(t, truncatedMin, stringZoneMapPrefixLen)
	require.True(t, compareBytes(truncatedMin, long) <= 0, "truncated min must stay a lower bound")

	truncatedMax := truncateZoneMapMax(long)
	require.True(t, compareBytes(truncatedMax, long) > 0, "truncated max must stay an upper bound")

	short := []byte("short")
	require.Equal(t, short, truncateZoneMapMin(short))
	require.Equal(t, short, truncateZoneMapMax(short))
}
