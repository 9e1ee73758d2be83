// Package pool provides scratch-buffer pooling for scpipe. The per-gene
// scaling loops and the matrix-market scanners churn through short-lived
// buffers; recycling them keeps garbage collection out of the hot paths.
//
//	buf := pool.GetFloat64Slice(nCells)
//	defer pool.PutFloat64Slice(buf)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed object pool. It wraps sync.Pool with allocation
// statistics and an optional reset hook applied on Put. Safe for
// concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	allocated atomic.Int64
	inUse     atomic.Int64
	gets      atomic.Int64
}

// Stats describes pool activity. Allocated counts factory calls, InUse
// counts objects currently checked out, Gets counts all retrievals.
type Stats struct {
	Allocated int64
	InUse     int64
	Gets      int64
}

// New creates a pool around a factory. The reset hook, if non-nil, runs
// on every Put before the object is recycled.
func New[T any](factory func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		p.allocated.Add(1)
		return factory()
	}
	return p
}

// Get retrieves an object, allocating through the factory when the pool
// is empty.
func (p *Pool[T]) Get() T {
	p.inUse.Add(1)
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put recycles an object after applying the reset hook.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats returns a snapshot of pool activity.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		InUse:     p.inUse.Load(),
		Gets:      p.gets.Load(),
	}
}

// Global pools for the scratch types the stages share.
var (
	// Float64SlicePool recycles []float64 scratch buffers. Capacity 4096
	// covers a per-cell column of a typical filtered matrix.
	Float64SlicePool = New(
		func() []float64 { return make([]float64, 0, 4096) },
		nil,
	)

	// ByteSlicePool recycles small byte buffers used for ID formatting.
	ByteSlicePool = New(
		func() []byte { return make([]byte, 0, 1024) },
		nil,
	)
)

// GetFloat64Slice returns a float64 slice of length n from the global
// pool. Contents are unspecified; callers must overwrite before reading.
func GetFloat64Slice(n int) []float64 {
	s := Float64SlicePool.Get()
	if cap(s) < n {
		Float64SlicePool.Put(s[:0])
		return make([]float64, n)
	}
	return s[:n]
}

// PutFloat64Slice recycles a slice obtained from GetFloat64Slice.
// Safe to call with nil.
func PutFloat64Slice(s []float64) {
	if s != nil {
		Float64SlicePool.Put(s)
	}
}

// idCounter provides atomic unique ID generation
var idCounter uint64

// GenerateID returns "prefix-N" with N drawn from a process-wide atomic
// counter, so concurrent runs in one process get distinct IDs.
//
//	id := pool.GenerateID("pbmc3k") // "pbmc3k-1", "pbmc3k-2", ...
func GenerateID(prefix string) string {
	buf := ByteSlicePool.Get()
	defer ByteSlicePool.Put(buf[:0])

	id := atomic.AddUint64(&idCounter, 1)

	buf = append(buf, prefix...)
	buf = append(buf, '-')
	buf = appendUint64(buf, id)

	return string(buf)
}

// appendUint64 efficiently appends uint64 to byte slice
func appendUint64(buf []byte, n uint64) []byte {
	if n == 0 {
		return append(buf, '0')
	}

	temp := n
	digits := 0
	for temp > 0 {
		temp /= 10
		digits++
	}

	start := len(buf)
	buf = buf[:start+digits]

	for i := digits - 1; i >= 0; i-- {
		buf[start+i] = byte('0' + n%10)
		n /= 10
	}

	return buf
}

// BufferPool hands out byte buffers from power-of-two size buckets,
// 512B through 16MB. Requests above the largest bucket are allocated
// directly and dropped on Put.
type BufferPool struct {
	pools []*Pool[[]byte]
	sizes []int
}

// NewBufferPool creates a buffer pool with the standard buckets.
func NewBufferPool() *BufferPool {
	sizes := []int{
		512,
		1024,
		4096,
		16384,
		65536,
		262144,
		1048576,
		4194304,
		16777216,
	}

	pools := make([]*Pool[[]byte], len(sizes))
	for i, size := range sizes {
		size := size
		pools[i] = New(
			func() []byte { return make([]byte, size) },
			nil,
		)
	}

	return &BufferPool{pools: pools, sizes: sizes}
}

// Get returns a buffer of the requested length from the smallest bucket
// that fits it.
func (p *BufferPool) Get(size int) []byte {
	for i, s := range p.sizes {
		if s >= size {
			buf := p.pools[i].Get()
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put recycles a buffer into the bucket matching its capacity. Buffers
// that match no bucket are left to the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	size := cap(buf)

	for i, s := range p.sizes {
		if s == size {
			p.pools[i].Put(buf)
			return
		}
	}
}

// GlobalBufferPool serves the matrix-market scanners and other file I/O.
var GlobalBufferPool = NewBufferPool()
