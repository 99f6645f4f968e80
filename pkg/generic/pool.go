package generic

import (
	"math/bits"
	"sync"
)

type Pool[T any] struct {
	pool sync.Pool
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}

const (
	minSlabShift = 4  // 16 bytes
	maxSlabShift = 12 // 4 KiB
)

// BytePool hands out byte slices from power-of-two size classes. Requests
// above the largest class are allocated and dropped on Put.
type BytePool struct {
	classes [maxSlabShift - minSlabShift + 1]*Pool[*[]byte]
}

func NewBytePool() *BytePool {
	bp := &BytePool{}
	for i := range bp.classes {
		size := 1 << (i + minSlabShift)
		bp.classes[i] = NewPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		})
	}
	return bp
}

// Get returns a slice of length n. Its contents are undefined.
func (bp *BytePool) Get(n int) []byte {
	class := classOf(n)
	if class < 0 {
		return make([]byte, n)
	}
	b := bp.classes[class].Get()
	return (*b)[:n]
}

// Put returns b to its size class. b must not be used afterwards.
func (bp *BytePool) Put(b []byte) {
	c := cap(b)
	class := classOf(c)
	if class < 0 || 1<<(class+minSlabShift) != c {
		return
	}
	b = b[:c]
	bp.classes[class].Put(&b)
}

func classOf(n int) int {
	if n <= 1<<minSlabShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxSlabShift {
		return -1
	}
	return shift - minSlabShift
}
