package pipebridge

import (
	"sync"
	"sync/atomic"
)

// bufferPool recycles read buffers of a single size.
type bufferPool struct {
	size  int
	inuse atomic.Int64
	pool  sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) get() *[]byte {
	p.inuse.Add(1)
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b *[]byte) {
	p.inuse.Add(-1)
	p.pool.Put(b)
}
