package lsm

import "sync"

const (
	arenaInitialCapacity = 64 * 1024
	arenaGrowthFactor    = 2
)

// Arena is a grow-only byte buffer. Allocate returns a stable offset into
// the arena rather than a pointer, so callers always recompute
// arena.Data()[offset:offset+n] at access time instead of holding a slice
// across a potential reallocation.
type Arena struct {
	mu   sync.RWMutex
	data []byte
}

// NewArena creates an arena with its initial capacity pre-allocated.
func NewArena() *Arena {
	return &Arena{data: make([]byte, 0, arenaInitialCapacity)}
}

// Allocate appends n zeroed bytes and returns the offset they start at.
func (a *Arena) Allocate(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := len(a.data)
	a.grow(offset + n)
	a.data = a.data[:offset+n]
	return offset
}

// CopyIn appends a copy of src and returns the offset it starts at.
func (a *Arena) CopyIn(src []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := len(a.data)
	a.grow(offset + len(src))
	a.data = append(a.data, src...)
	return offset
}

// grow ensures cap(a.data) >= minCapacity, doubling until it is. Caller must
// hold a.mu.
func (a *Arena) grow(minCapacity int) {
	if cap(a.data) >= minCapacity {
		return
	}
	newCap := cap(a.data)
	if newCap == 0 {
		newCap = arenaInitialCapacity
	}
	for newCap < minCapacity {
		newCap *= arenaGrowthFactor
	}
	grown := make([]byte, len(a.data), newCap)
	copy(grown, a.data)
	a.data = grown
}

// View returns a zero-copy slice of the arena's current backing storage.
// The caller must not retain it across a concurrent Allocate/CopyIn, which
// may reallocate; callers in this package only hold views transiently
// during a read that is synchronized against writers at a higher level
// (the memtable's own mutex).
func (a *Arena) View(offset, length int) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data[offset : offset+length]
}

// MemoryUsage returns the number of bytes currently allocated from the arena.
func (a *Arena) MemoryUsage() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data)
}
