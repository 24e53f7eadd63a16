package lsm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/columnforge/pkg/wal"
)

// intEntry indexes a row whose primary key is ColInt64.
type intEntry struct {
	key      int64
	valueOff int
	valueLen int
	seq      uint64
	deleted  bool
}

// strEntry indexes a row whose primary key is ColString. The key bytes
// themselves live in the arena alongside the encoded row, so a lookup never
// touches the original Row or its backing slice.
type strEntry struct {
	keyOff   int
	keyLen   int
	valueOff int
	valueLen int
	seq      uint64
	deleted  bool
}

// MemTable is the vectorized, write-optimized buffer every Put/Delete lands
// in before it is durable in an SSTable. Entries are appended to a
// type-specialized array (int or string key) backed by an Arena, and sorted
// lazily: writers never pay a sort, only the first reader after a burst of
// writes does.
type MemTable struct {
	schema Schema
	arena  *Arena

	mu         sync.RWMutex
	intEntries []intEntry
	strEntries []strEntry
	sorted     bool

	seq atomic.Uint64
}

// NewMemTable creates an empty memtable for schema.
func NewMemTable(schema Schema) *MemTable {
	return &MemTable{schema: schema, arena: NewArena(), sorted: true}
}

// Put inserts or overwrites row. Returns the sequence number assigned.
func (m *MemTable) Put(row Row) (uint64, error) {
	if len(row) != len(m.schema.Columns) {
		return 0, fmt.Errorf("%w: row has %d columns, schema has %d", ErrSchemaMismatch, len(row), len(m.schema.Columns))
	}
	encoded, err := EncodeRow(m.schema, row)
	if err != nil {
		return 0, err
	}
	pk := row[m.schema.PrimaryKeyIdx]
	return m.insert(pk, encoded, false), nil
}

// Delete records a tombstone for key.
func (m *MemTable) Delete(key Value) uint64 {
	return m.insert(key, nil, true)
}

func (m *MemTable) insert(pk Value, encodedRow []byte, deleted bool) uint64 {
	seq := m.seq.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	valueOff, valueLen := 0, 0
	if !deleted {
		valueOff = m.arena.CopyIn(encodedRow)
		valueLen = len(encodedRow)
	}

	if m.schema.PrimaryKeyType() == ColString {
		keyOff := m.arena.CopyIn(pk.Str)
		m.strEntries = append(m.strEntries, strEntry{
			keyOff: keyOff, keyLen: len(pk.Str),
			valueOff: valueOff, valueLen: valueLen,
			seq: seq, deleted: deleted,
		})
	} else {
		m.intEntries = append(m.intEntries, intEntry{
			key: pk.I64, valueOff: valueOff, valueLen: valueLen,
			seq: seq, deleted: deleted,
		})
	}
	m.sorted = false
	return seq
}

// EnsureSorted stable-sorts entries by (key, seq). Stability means that
// among equal keys, the last entry in sequence order is also last in the
// sorted array, so a forward binary search plus a trailing scan finds the
// newest write for a key in O(log n).
func (m *MemTable) EnsureSorted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSortedLocked()
}

func (m *MemTable) ensureSortedLocked() {
	if m.sorted {
		return
	}
	if m.schema.PrimaryKeyType() == ColString {
		entries := m.strEntries
		sort.SliceStable(entries, func(i, j int) bool {
			ki := m.arena.View(entries[i].keyOff, entries[i].keyLen)
			kj := m.arena.View(entries[j].keyOff, entries[j].keyLen)
			c := compareBytes(ki, kj)
			if c != 0 {
				return c < 0
			}
			return entries[i].seq < entries[j].seq
		})
	} else {
		entries := m.intEntries
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].key != entries[j].key {
				return entries[i].key < entries[j].key
			}
			return entries[i].seq < entries[j].seq
		})
	}
	m.sorted = true
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Get returns the current value for key. The returned LookupState
// distinguishes a live value from a tombstone from no entry at all, so a
// caller walking older sources underneath this memtable knows to stop on a
// tombstone rather than treating it the same as "not here, keep looking".
func (m *MemTable) Get(key Value) (Row, LookupState, error) {
	m.EnsureSorted()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.schema.PrimaryKeyType() == ColString {
		entries := m.strEntries
		idx := sort.Search(len(entries), func(i int) bool {
			return compareBytes(m.arena.View(entries[i].keyOff, entries[i].keyLen), key.Str) >= 0
		})
		// Walk forward over the run of equal keys to the last (highest-seq) one.
		found := -1
		for idx < len(entries) && compareBytes(m.arena.View(entries[idx].keyOff, entries[idx].keyLen), key.Str) == 0 {
			found = idx
			idx++
		}
		if found == -1 {
			return nil, LookupAbsent, nil
		}
		e := entries[found]
		if e.deleted {
			return nil, LookupTombstone, nil
		}
		row, err := DecodeRow(m.schema, m.arena.View(e.valueOff, e.valueLen))
		if err != nil {
			return nil, LookupAbsent, err
		}
		return row, LookupFound, nil
	}

	entries := m.intEntries
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key.I64 })
	found := -1
	for idx < len(entries) && entries[idx].key == key.I64 {
		found = idx
		idx++
	}
	if found == -1 {
		return nil, LookupAbsent, nil
	}
	e := entries[found]
	if e.deleted {
		return nil, LookupTombstone, nil
	}
	row, err := DecodeRow(m.schema, m.arena.View(e.valueOff, e.valueLen))
	if err != nil {
		return nil, LookupAbsent, err
	}
	return row, LookupFound, nil
}

// Count returns the number of logical entries (including tombstones and
// shadowed duplicate writes) currently buffered.
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema.PrimaryKeyType() == ColString {
		return len(m.strEntries)
	}
	return len(m.intEntries)
}

// ApproximateSize estimates the memtable's resident footprint in bytes,
// used to decide when to rotate it out to an immutable memtable.
func (m *MemTable) ApproximateSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	const intEntrySize = 32
	const strEntrySize = 40
	return m.arena.MemoryUsage() + len(m.intEntries)*intEntrySize + len(m.strEntries)*strEntrySize
}

// FlushedRow is one deduplicated, tombstone-resolved row ready to be written
// into an SSTable row group, paired with its primary key for zone map /
// bloom filter construction.
type FlushedRow struct {
	Key       Value
	Row       Row
	Tombstone bool
}

// Flush walks the memtable newest-to-oldest, keeps only the latest entry
// per key (a tombstone included, marked by FlushedRow.Tombstone), and
// returns rows in ascending key order ready for SSTableBuilder.
func (m *MemTable) Flush() ([]FlushedRow, error) {
	m.EnsureSorted()

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Tombstones are kept, not dropped: an older SSTable underneath this
	// memtable in the tree may still hold a live value for the same key,
	// and only a compaction that reaches the bottom level for that key
	// range is allowed to drop the deletion marker entirely.
	var out []FlushedRow
	if m.schema.PrimaryKeyType() == ColString {
		entries := m.strEntries
		for i := len(entries) - 1; i >= 0; {
			e := entries[i]
			j := i - 1
			for j >= 0 && compareBytes(m.arena.View(entries[j].keyOff, entries[j].keyLen), m.arena.View(e.keyOff, e.keyLen)) == 0 {
				j--
			}
			keyCopy := append([]byte(nil), m.arena.View(e.keyOff, e.keyLen)...)
			if e.deleted {
				out = append(out, FlushedRow{Key: StringValue(keyCopy), Tombstone: true})
			} else {
				row, err := DecodeRow(m.schema, m.arena.View(e.valueOff, e.valueLen))
				if err != nil {
					return nil, err
				}
				out = append(out, FlushedRow{Key: StringValue(keyCopy), Row: row})
			}
			i = j
		}
	} else {
		entries := m.intEntries
		for i := len(entries) - 1; i >= 0; {
			e := entries[i]
			j := i - 1
			for j >= 0 && entries[j].key == e.key {
				j--
			}
			if e.deleted {
				out = append(out, FlushedRow{Key: IntValue(e.key), Tombstone: true})
			} else {
				row, err := DecodeRow(m.schema, m.arena.View(e.valueOff, e.valueLen))
				if err != nil {
					return nil, err
				}
				out = append(out, FlushedRow{Key: IntValue(e.key), Row: row})
			}
			i = j
		}
	}

	// out was built newest-key-to-oldest; reverse to ascending key order.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// RecoverFromWAL replays entries, restoring the memtable and its sequence
// counter to the state they held before a crash.
func (m *MemTable) RecoverFromWAL(entries []*wal.Entry) error {
	var maxSeq uint64
	for _, e := range entries {
		switch e.OpType {
		case wal.OpDelete:
			pk, err := decodeKeyOnly(m.schema, e.Data)
			if err != nil {
				return err
			}
			m.applyRecovered(pk, nil, true, e.LSN)
		default:
			row, err := DecodeRow(m.schema, e.Data)
			if err != nil {
				return err
			}
			m.applyRecovered(row[m.schema.PrimaryKeyIdx], e.Data, false, e.LSN)
		}
		if e.LSN > maxSeq {
			maxSeq = e.LSN
		}
	}
	m.seq.Store(maxSeq)
	return nil
}

func (m *MemTable) applyRecovered(pk Value, encodedRow []byte, deleted bool, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	valueOff, valueLen := 0, 0
	if !deleted {
		valueOff = m.arena.CopyIn(encodedRow)
		valueLen = len(encodedRow)
	}
	if m.schema.PrimaryKeyType() == ColString {
		keyOff := m.arena.CopyIn(pk.Str)
		m.strEntries = append(m.strEntries, strEntry{keyOff: keyOff, keyLen: len(pk.Str), valueOff: valueOff, valueLen: valueLen, seq: seq, deleted: deleted})
	} else {
		m.intEntries = append(m.intEntries, intEntry{key: pk.I64, valueOff: valueOff, valueLen: valueLen, seq: seq, deleted: deleted})
	}
	m.sorted = false
}

func decodeKeyOnly(schema Schema, data []byte) (Value, error) {
	switch schema.PrimaryKeyType() {
	case ColString:
		return StringValue(data), nil
	case ColInt64:
		// Delete tombstones store just the raw key bytes produced by
		// KeyBytes - a big-endian sign-flipped uint64, not a full encoded
		// row - so decode it directly rather than through DecodeColumn.
		if len(data) != 8 {
			return Value{}, fmt.Errorf("%w: int64 key has %d bytes", ErrCorruptSSTable, len(data))
		}
		return IntValue(int64(beUint64(data) ^ (1 << 63))), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported primary key type", ErrSchemaMismatch)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
