package port

import (
	"os"
	"sync/atomic"
	"unsafe"
)

// Region is a fixed-size, 8-byte aligned memory area backing one channel.
type Region interface {
	Bytes() []byte
	Close() error
}

// SharedRegion is a region other processes can map.
type SharedRegion interface {
	Region
	// OpenReadOnly returns a new read-only descriptor for the region.
	OpenReadOnly() (*os.File, error)
}

// Allocator creates the region for a channel.
type Allocator func(name string, size int) (Region, error)

type heapRegion struct {
	words []uint64
	buf   []byte
}

// NewHeapRegion allocates a process-private region.
func NewHeapRegion(size int) Region {
	words := make([]uint64, (size+7)/8)
	var buf []byte
	if len(words) > 0 {
		buf = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	}
	return &heapRegion{words: words, buf: buf}
}

// HeapAllocator allocates heap regions; used in tests and on non-Linux hosts.
func HeapAllocator(_ string, size int) (Region, error) {
	return NewHeapRegion(size), nil
}

func (r *heapRegion) Bytes() []byte { return r.buf }

func (r *heapRegion) Close() error { return nil }

func align8(n int) int {
	return (n + 7) &^ 7
}

func word(buf []byte, off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&buf[off]))
}

// storeWords copies msg into buf[off:] one atomic word at a time. The tail of
// the last word is zero padded.
func storeWords(buf []byte, off int, msg []byte) {
	for i := 0; i < len(msg); i += 8 {
		var w [8]byte
		copy(w[:], msg[i:])
		word(buf, off+i).Store(*(*uint64)(unsafe.Pointer(&w[0])))
	}
}

// loadWords copies n bytes from buf[off:] with atomic word loads.
func loadWords(buf []byte, off, n int) []byte {
	out := make([]byte, align8(n))
	for i := 0; i < n; i += 8 {
		v := word(buf, off+i).Load()
		*(*uint64)(unsafe.Pointer(&out[i])) = v
	}
	return out[:n]
}
