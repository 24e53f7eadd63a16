package lsm

import "hash/fnv"

// Blocked bloom filter over primary keys, one per row group. Every probe for
// a key touches exactly one 64-byte (512-bit) cache-line-sized block,
// trading a slightly higher false-positive rate than a classic bloom filter
// for far fewer cache misses per lookup.
const (
	bloomBlockBytes = 64
	bloomBlockBits  = bloomBlockBytes * 8
	bloomNumProbes  = 7
	bloomBitsPerKey = 12
)

// BloomFilter is the immutable, queryable form built by BloomFilterBuilder
// and stored verbatim in a row group's metadata blob.
type BloomFilter struct {
	blocks []byte // len(blocks) is a multiple of bloomBlockBytes
}

// NewBloomFilter wraps a pre-built byte slice (as read back from an SSTable).
func NewBloomFilter(blocks []byte) *BloomFilter {
	return &BloomFilter{blocks: blocks}
}

func (f *BloomFilter) numBlocks() uint64 {
	return uint64(len(f.blocks) / bloomBlockBytes)
}

// Bytes returns the filter's raw block storage for serialization.
func (f *BloomFilter) Bytes() []byte { return f.blocks }

// MayContain reports whether key might be present. False means definitely
// absent; true means maybe present.
func (f *BloomFilter) MayContain(key []byte) bool {
	if f.numBlocks() == 0 {
		return false
	}
	return f.mayContainHash(hashKey(key))
}

func (f *BloomFilter) mayContainHash(h uint64) bool {
	blockIdx := (h >> 32) % f.numBlocks()
	blockStart := blockIdx * bloomBlockBytes

	h32 := uint32(h)
	delta := (h32 >> 17) | (h32 << 15)
	current := h32

	for i := 0; i < bloomNumProbes; i++ {
		bitPos := current & (bloomBlockBits - 1)
		byteIdx := blockStart + uint64(bitPos/8)
		bit := byte(1) << (bitPos % 8)
		if f.blocks[byteIdx]&bit == 0 {
			return false
		}
		current += delta
	}
	return true
}

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// BloomFilterBuilder accumulates keys for one row group and produces a
// BloomFilter sized for a target false-positive rate of roughly 1% at
// bloomBitsPerKey bits per key.
type BloomFilterBuilder struct {
	numBlocks uint64
	blocks    []byte
}

// NewBloomFilterBuilder sizes the filter for an expected numKeys entries.
func NewBloomFilterBuilder(numKeys int) *BloomFilterBuilder {
	if numKeys < 1 {
		numKeys = 1
	}
	totalBits := numKeys * bloomBitsPerKey
	numBlocks := (totalBits + bloomBlockBits - 1) / bloomBlockBits
	if numBlocks < 1 {
		numBlocks = 1
	}
	return &BloomFilterBuilder{
		numBlocks: uint64(numBlocks),
		blocks:    make([]byte, numBlocks*bloomBlockBytes),
	}
}

// AddKey sets the same bits a subsequent MayContain(key) call would check.
func (b *BloomFilterBuilder) AddKey(key []byte) {
	h := hashKey(key)
	blockIdx := (h >> 32) % b.numBlocks
	blockStart := blockIdx * bloomBlockBytes

	h32 := uint32(h)
	delta := (h32 >> 17) | (h32 << 15)
	current := h32

	for i := 0; i < bloomNumProbes; i++ {
		bitPos := current & (bloomBlockBits - 1)
		byteIdx := blockStart + uint64(bitPos/8)
		bit := byte(1) << (bitPos % 8)
		b.blocks[byteIdx] |= bit
		current += delta
	}
}

// Finish returns the completed filter.
func (b *BloomFilterBuilder) Finish() *BloomFilter {
	return &BloomFilter{blocks: b.blocks}
}
