// Package pools provides staging buffers for copying received datagrams
// out of stack-owned memory.
package pools

import (
	"sync"
	"sync/atomic"
)

// Buffer pool tiers, sized for datagrams
const (
	SmallBufferSize  = 2 * 1024  // standard MTU
	MediumBufferSize = 9 * 1024  // jumbo frames
	LargeBufferSize  = 64 * 1024 // largest UDP payload
)

// BufferPool manages staging buffers with three size tiers
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	// Statistics
	smallHits  atomic.Uint64
	mediumHits atomic.Uint64
	largeHits  atomic.Uint64
	oversized  atomic.Uint64
	totalGets  atomic.Uint64
	totalPuts  atomic.Uint64
}

func alloc(size int) func() any {
	return func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  sync.Pool{New: alloc(SmallBufferSize)},
		medium: sync.Pool{New: alloc(MediumBufferSize)},
		large:  sync.Pool{New: alloc(LargeBufferSize)},
	}
}

// Get returns an empty buffer with capacity for at least size bytes.
func (bp *BufferPool) Get(size int) *[]byte {
	bp.totalGets.Add(1)

	switch {
	case size <= SmallBufferSize:
		bp.smallHits.Add(1)
		return bp.small.Get().(*[]byte)
	case size <= MediumBufferSize:
		bp.mediumHits.Add(1)
		return bp.medium.Get().(*[]byte)
	case size <= LargeBufferSize:
		bp.largeHits.Add(1)
		return bp.large.Get().(*[]byte)
	default:
		bp.oversized.Add(1)
		buf := make([]byte, 0, size)
		return &buf
	}
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	bp.totalPuts.Add(1)

	// Reset buffer but keep capacity
	*buf = (*buf)[:0]

	switch c := cap(*buf); {
	case c == SmallBufferSize:
		bp.small.Put(buf)
	case c == MediumBufferSize:
		bp.medium.Put(buf)
	case c == LargeBufferSize:
		bp.large.Put(buf)
	}
	// Anything else was allocated directly; let GC collect it
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{
		SmallHits:  bp.smallHits.Load(),
		MediumHits: bp.mediumHits.Load(),
		LargeHits:  bp.largeHits.Load(),
		Oversized:  bp.oversized.Load(),
		TotalGets:  bp.totalGets.Load(),
		TotalPuts:  bp.totalPuts.Load(),
	}
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	SmallHits  uint64
	MediumHits uint64
	LargeHits  uint64
	Oversized  uint64
	TotalGets  uint64
	TotalPuts  uint64
}
