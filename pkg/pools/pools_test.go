package pools

import (
	"encoding/binary"
	"sync"
	"testing"
)

func TestBytePoolGetCapacityAndLength(t *testing.T) {
	pool := NewBytePool()

	tests := []struct {
		name string
		size int
	}{
		{"key_scratch", 8},
		{"key_scratch_exact", 64},
		{"row_scratch", 300},
		{"record_frame", 4000},
		{"chunk_scratch", 65536},
		{"oversized", 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := pool.Get(tt.size)
			if len(b) != 0 {
				t.Errorf("Get(%d) length = %d, want 0", tt.size, len(b))
			}
			if cap(b) < tt.size {
				t.Errorf("Get(%d) capacity = %d, want >= %d", tt.size, cap(b), tt.size)
			}
		})
	}
}

func TestBytePoolGetSized(t *testing.T) {
	pool := NewBytePool()
	b := pool.GetSized(128)
	if len(b) != 128 {
		t.Errorf("GetSized(128) length = %d, want 128", len(b))
	}
}

func TestBytePoolPutGetRoundTrip(t *testing.T) {
	pool := NewBytePool()

	b := pool.Get(512)
	b = append(b, "scratch row bytes"...)
	pool.Put(b)

	// The recycled buffer must come back empty regardless of what the
	// previous borrower left in it.
	b2 := pool.Get(512)
	if len(b2) != 0 {
		t.Errorf("recycled buffer length = %d, want 0", len(b2))
	}
}

func TestBytePoolDropsOversized(t *testing.T) {
	pool := NewBytePool()
	big := make([]byte, 0, MaxPooledBytes+1)
	pool.Put(big) // must not panic, must not be retained
	b := pool.Get(64)
	if cap(b) > MaxPooledBytes {
		t.Errorf("oversized buffer was pooled: cap = %d", cap(b))
	}
}

func TestBytePoolConcurrent(t *testing.T) {
	pool := NewBytePool()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b := pool.Get(256)
				b = append(b, byte(j))
				pool.Put(b)
			}
		}()
	}
	wg.Wait()
}

func TestIntPoolRoundTrip(t *testing.T) {
	pool := NewIntPool()

	s := pool.Get(100)
	if len(s) != 0 {
		t.Errorf("Get length = %d, want 0", len(s))
	}
	if cap(s) < 100 {
		t.Errorf("Get capacity = %d, want >= 100", cap(s))
	}
	for i := 0; i < 100; i++ {
		s = append(s, i)
	}
	pool.Put(s)

	s2 := pool.Get(50)
	if len(s2) != 0 {
		t.Errorf("recycled slice length = %d, want 0", len(s2))
	}
}

func TestIntPoolDefaultHelpers(t *testing.T) {
	s := GetInts(16)
	s = append(s, 1, 2, 3)
	PutInts(s)
}

func TestFieldMapPoolClearsOnGet(t *testing.T) {
	pool := NewFieldMapPool()

	m := pool.Get()
	m["sstable_id"] = uint64(7)
	m["level"] = 2
	pool.Put(m)

	m2 := pool.Get()
	if len(m2) != 0 {
		t.Errorf("recycled map has %d entries, want 0", len(m2))
	}
}

func TestFieldMapPoolDropsLargeMaps(t *testing.T) {
	pool := NewFieldMapPool()
	m := pool.Get()
	for i := 0; i < 100; i++ {
		m[string(rune('a'+i%26))+string(rune('0'+i%10))] = i
	}
	pool.Put(m) // over the retention bound, silently dropped
	pool.Put(nil)
}

func TestBufferBuilderFramesLittleEndian(t *testing.T) {
	bb := NewBufferBuilder(64)
	defer bb.Release()

	bb.WriteUint64LE(0x1122334455667788)
	bb.WriteByte(0x01)
	bb.WriteUint32LE(0xAABBCCDD)
	bb.Write([]byte{0xFE, 0xFF})
	bb.WriteString("k1")

	got := bb.Bytes()
	if bb.Len() != 17 {
		t.Fatalf("Len = %d, want 17", bb.Len())
	}
	if v := binary.LittleEndian.Uint64(got[0:8]); v != 0x1122334455667788 {
		t.Errorf("uint64 field = %#x", v)
	}
	if got[8] != 0x01 {
		t.Errorf("byte field = %#x", got[8])
	}
	if v := binary.LittleEndian.Uint32(got[9:13]); v != 0xAABBCCDD {
		t.Errorf("uint32 field = %#x", v)
	}
	if string(got[15:17]) != "k1" {
		t.Errorf("string field = %q", got[15:17])
	}
}

func TestBufferBuilderReset(t *testing.T) {
	bb := NewBufferBuilder(16)
	defer bb.Release()

	bb.WriteString("first record")
	bb.Reset()
	if bb.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", bb.Len())
	}
	bb.WriteString("second")
	if string(bb.Bytes()) != "second" {
		t.Errorf("Bytes after Reset = %q", bb.Bytes())
	}
}
