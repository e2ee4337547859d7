package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	minBufBits = 6  // 64B
	maxBufBits = 22 // 4MiB
)

// Buffer is a pooled byte slice. Release it once it is no longer referenced.
type Buffer struct {
	b []byte
	c int // size class, -1 if not pooled
}

// Bytes returns the buffer, len(Bytes()) is the size given to GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// SetLen resizes the buffer within its capacity.
func (b *Buffer) SetLen(n int) {
	if n > cap(b.b) {
		panic(fmt.Sprintf("buffer: invalid length %d, cap %d", n, cap(b.b)))
	}
	b.b = b.b[:n]
}

// Release returns the buffer to the pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.c < 0 {
		return
	}
	bufPools[b.c].Put(b)
}

var bufPools [maxBufBits - minBufBits + 1]sync.Pool

func init() {
	for i := range bufPools {
		size := 1 << (i + minBufBits)
		c := i
		bufPools[i].New = func() any {
			return &Buffer{b: make([]byte, size), c: c}
		}
	}
}

// GetBuf returns a *Buffer of length size.
// Sizes above the largest class are allocated and never pooled.
func GetBuf(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("buffer: invalid size %d", size))
	}
	c := sizeClass(size)
	if c >= len(bufPools) {
		return &Buffer{b: make([]byte, size), c: -1}
	}
	buf := bufPools[c].Get().(*Buffer)
	buf.b = buf.b[:size]
	return buf
}

func sizeClass(size int) int {
	if size <= 1<<minBufBits {
		return 0
	}
	return bits.Len(uint(size-1)) - minBufBits
}
