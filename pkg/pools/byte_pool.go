package pools

import (
	"sync"
)

// byteClasses are the pooled capacity tiers, sized for the engine's usual
// borrowers: encoded keys (64), encoded rows (512), WAL record frames
// (4096), and column-chunk scratch (64 KiB). A request larger than the
// biggest class is allocated directly and never pooled.
var byteClasses = [...]int{64, 512, 4096, 65536}

// MaxPooledBytes is the largest capacity Put will keep; anything bigger is
// left to the garbage collector so one huge row can't pin a huge buffer in
// the pool forever.
const MaxPooledBytes = 65536

// BytePool hands out byte slices by capacity class so repeated row
// encodes and WAL appends stop hitting the allocator.
type BytePool struct {
	classes [len(byteClasses)]sync.Pool
}

// NewBytePool creates an empty pool; buffers are allocated on first Get of
// each class and recycled from then on.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i, size := range byteClasses {
		size := size
		p.classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range byteClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a zero-length slice with capacity of at least size.
func (p *BytePool) Get(size int) []byte {
	cls := classFor(size)
	if cls < 0 {
		return make([]byte, 0, size)
	}
	bp, ok := p.classes[cls].Get().(*[]byte)
	if !ok || cap(*bp) < size {
		return make([]byte, 0, size)
	}
	return (*bp)[:0]
}

// GetSized returns a slice with length (not just capacity) size.
func (p *BytePool) GetSized(size int) []byte {
	return p.Get(size)[:size]
}

// Put recycles b. Slices above MaxPooledBytes are dropped.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c == 0 || c > MaxPooledBytes {
		return
	}
	cls := classFor(c)
	if cls < 0 {
		return
	}
	// A slice is put back into the class it can serve: its capacity may sit
	// between two class sizes after append-driven growth, in which case it
	// can only reliably satisfy the class below it.
	if c < byteClasses[cls] {
		if cls == 0 {
			return
		}
		cls--
	}
	b = b[:0]
	p.classes[cls].Put(&b)
}

var defaultBytePool = NewBytePool()

// GetBytes borrows from the package-level default pool.
func GetBytes(size int) []byte {
	return defaultBytePool.Get(size)
}

// GetBytesSized borrows a length-size slice from the default pool.
func GetBytesSized(size int) []byte {
	return defaultBytePool.GetSized(size)
}

// PutBytes returns a slice to the default pool.
func PutBytes(b []byte) {
	defaultBytePool.Put(b)
}
