package pools

// BufferBuilder frames a record into a pooled byte buffer. The WAL uses it
// to assemble a whole entry (header, payload, checksum, timestamp) before
// handing the underlying writer a single contiguous slice.
//
// All fixed-width writes are little-endian, matching the engine's on-disk
// formats.
type BufferBuilder struct {
	buf  []byte
	pool *BytePool
}

// NewBufferBuilder borrows a buffer of at least initialCap from the
// default byte pool.
func NewBufferBuilder(initialCap int) *BufferBuilder {
	return &BufferBuilder{
		buf:  defaultBytePool.Get(initialCap),
		pool: defaultBytePool,
	}
}

// Write appends p.
func (b *BufferBuilder) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// WriteByte appends a single byte. The error is always nil; the signature
// keeps io.ByteWriter satisfied.
func (b *BufferBuilder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// WriteUint32LE appends v little-endian.
func (b *BufferBuilder) WriteUint32LE(v uint32) {
	b.buf = append(b.buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
	)
}

// WriteUint64LE appends v little-endian.
func (b *BufferBuilder) WriteUint64LE(v uint64) {
	b.buf = append(b.buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// WriteString appends s.
func (b *BufferBuilder) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

// Bytes returns the assembled buffer. It remains owned by the builder and
// is invalidated by Release.
func (b *BufferBuilder) Bytes() []byte {
	return b.buf
}

// Len returns the current length.
func (b *BufferBuilder) Len() int {
	return len(b.buf)
}

// Reset empties the buffer for reuse without returning it to the pool.
func (b *BufferBuilder) Reset() {
	b.buf = b.buf[:0]
}

// Release returns the buffer to the pool. The builder must not be used
// afterwards.
func (b *BufferBuilder) Release() {
	if b.pool != nil && b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nil
}
