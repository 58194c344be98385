// Package pipeline provides an asynchronous, single-precision derivative
// pipeline for registration factors: the compute analogue of a device-offloaded
// backend. Work is issued onto a serialized compute stream without blocking and
// collected after an explicit sync, so many factors' derivative computations
// can overlap with graph bookkeeping on the issuing thread.
package pipeline

import (
	"sync"

	"go.viam.com/utils"
)

// Stream serializes compute operations. Operations run one at a time in issue
// order; results written by an operation are only safe to read after Sync
// returns. A stream may be owned by a single derivative object or shared by
// several, in which case the caller must serialize their issue/sync pairs.
type Stream interface {
	// Enqueue adds an operation to the stream without waiting for it to run.
	Enqueue(op func())

	// Sync blocks until every previously enqueued operation has completed.
	Sync()
}

// SerialStream is a Stream backed by a dedicated worker goroutine and an
// unbounded FIFO queue, so Enqueue never blocks the issuing thread.
type SerialStream struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func()
	issued    uint64
	completed uint64
	closed    bool
}

// NewSerialStream starts an owned stream. Close must be called to release the
// worker.
func NewSerialStream() *SerialStream {
	s := &SerialStream{}
	s.cond = sync.NewCond(&s.mu)
	utils.PanicCapturingGo(s.run)
	return s
}

func (s *SerialStream) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		op()

		s.mu.Lock()
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Enqueue adds an operation to the stream without waiting for it to run.
// Enqueueing on a closed stream panics; issuing work after teardown is caller
// misuse.
func (s *SerialStream) Enqueue(op func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("enqueue on closed stream")
	}
	s.queue = append(s.queue, op)
	s.issued++
	s.cond.Broadcast()
}

// Sync blocks until every previously enqueued operation has completed.
func (s *SerialStream) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.issued
	for s.completed < target {
		s.cond.Wait()
	}
}

// Close drains the queue and stops the worker. The stream must not be used
// afterwards.
func (s *SerialStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	for s.completed < s.issued {
		s.cond.Wait()
	}
	s.mu.Unlock()
}
