package lsm

// ZoneMap holds the min and max value observed for a column within one row
// group, letting a scan skip the whole row group when a predicate's range
// can't possibly overlap [Min, Max]. HasValue is false for an all-null
// column, in which case Min/Max carry no meaning.
type ZoneMap struct {
	HasValue bool
	Min      Value
	Max      Value
}

// ZoneMapBuilder accumulates min/max across a row group's Add calls for one
// column.
type ZoneMapBuilder struct {
	typ   ColumnType
	set   bool
	min   Value
	max   Value
}

func NewZoneMapBuilder(typ ColumnType) *ZoneMapBuilder {
	return &ZoneMapBuilder{typ: typ}
}

// Add folds v into the running min/max. Nulls don't participate.
func (b *ZoneMapBuilder) Add(v Value) {
	if v.Null {
		return
	}
	if !b.set {
		b.min, b.max = v, v
		b.set = true
		return
	}
	if CompareKeys(v, b.min) < 0 {
		b.min = v
	}
	if CompareKeys(v, b.max) > 0 {
		b.max = v
	}
}

func (b *ZoneMapBuilder) Finish() ZoneMap {
	return ZoneMap{HasValue: b.set, Min: b.min, Max: b.max}
}

// stringZoneMapPrefixLen bounds how many bytes of a string min/max are
// stored in row group metadata, so a column of long strings doesn't bloat
// the metadata blob that's fully loaded into memory per row group.
const stringZoneMapPrefixLen = 32

// truncateZoneMapMin is safe to truncate directly: a byte-string prefix
// always compares less-than-or-equal-to the full string, so a truncated
// min stays a valid lower bound.
func truncateZoneMapMin(s []byte) []byte {
	if len(s) <= stringZoneMapPrefixLen {
		return s
	}
	return s[:stringZoneMapPrefixLen]
}

// truncateZoneMapMax truncates and rounds the prefix up so the stored max
// stays a valid upper bound. A plain prefix of a string always compares
// less than the full string, so truncating the max the same way the min is
// truncated would let MayMatchRange reject a row group that actually
// contains a matching row. Incrementing the last byte that isn't already
// 0xFF pushes the truncated value strictly above every string sharing that
// prefix.
func truncateZoneMapMax(s []byte) []byte {
	if len(s) <= stringZoneMapPrefixLen {
		return s
	}
	truncated := append([]byte(nil), s[:stringZoneMapPrefixLen]...)
	for i := len(truncated) - 1; i >= 0; i-- {
		if truncated[i] != 0xFF {
			truncated[i]++
			return truncated[:i+1]
		}
	}
	// Every byte in the prefix is already 0xFF: there is no shorter value
	// that's guaranteed to stay an upper bound, so keep the full string.
	return s
}

// MayMatchRange reports whether this zone map could contain any value in
// [lo, hi]. A truncated string min stays at or below the true min and a
// truncated max is rounded up above the true max, so this over-approximates
// (never under-approximates) when strings exceed the stored prefix.
func (z ZoneMap) MayMatchRange(lo, hi Value) bool {
	if !z.HasValue {
		return false
	}
	return KeyRangesOverlap(z.Min, z.Max, lo, hi)
}
