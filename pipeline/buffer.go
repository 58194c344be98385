package pipeline

import "sync"

// BufferPool hands out scratch float32 buffers for issue/collect round trips.
// Implementations must be safe for concurrent use; many factors borrow from
// one pool.
type BufferPool interface {
	// Get returns a zeroed buffer of length n.
	Get(n int) []float32

	// Put returns a buffer to the pool for reuse.
	Put(buf []float32)
}

// Pool is a size-bucketed free-list BufferPool.
type Pool struct {
	mu   sync.Mutex
	free map[int][][]float32
}

// NewBufferPool returns an empty pool.
func NewBufferPool() *Pool {
	return &Pool{free: map[int][][]float32{}}
}

// Get returns a zeroed buffer of length n.
func (p *Pool) Get(n int) []float32 {
	p.mu.Lock()
	list := p.free[n]
	if len(list) > 0 {
		buf := list[len(list)-1]
		p.free[n] = list[:len(list)-1]
		p.mu.Unlock()
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	p.mu.Unlock()
	return make([]float32, n)
}

// Put returns a buffer to the pool for reuse.
func (p *Pool) Put(buf []float32) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	p.free[len(buf)] = append(p.free[len(buf)], buf)
	p.mu.Unlock()
}
