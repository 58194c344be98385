package pipeline

import (
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestSerialStreamOrdering(t *testing.T) {
	s := NewSerialStream()
	defer s.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		s.Enqueue(func() { order = append(order, i) })
	}
	s.Sync()

	test.That(t, len(order), test.ShouldEqual, 100)
	for i, got := range order {
		test.That(t, got, test.ShouldEqual, i)
	}
}

func TestSerialStreamSyncWaitsForIssued(t *testing.T) {
	s := NewSerialStream()
	defer s.Close()

	var done int32
	block := make(chan struct{})
	s.Enqueue(func() {
		<-block
		atomic.StoreInt32(&done, 1)
	})
	test.That(t, atomic.LoadInt32(&done), test.ShouldEqual, 0)
	close(block)
	s.Sync()
	test.That(t, atomic.LoadInt32(&done), test.ShouldEqual, 1)
}

func TestSerialStreamRepeatedSync(t *testing.T) {
	s := NewSerialStream()
	defer s.Close()

	count := 0
	s.Sync()
	s.Enqueue(func() { count++ })
	s.Sync()
	s.Sync()
	test.That(t, count, test.ShouldEqual, 1)
}

func TestSerialStreamCloseDrains(t *testing.T) {
	s := NewSerialStream()
	count := 0
	for i := 0; i < 10; i++ {
		s.Enqueue(func() { count++ })
	}
	s.Close()
	test.That(t, count, test.ShouldEqual, 10)
}

func TestSerialStreamEnqueueAfterClosePanics(t *testing.T) {
	s := NewSerialStream()
	s.Close()
	test.That(t, func() { s.Enqueue(func() {}) }, test.ShouldPanic)
}

func TestSharedStreamAcrossUsers(t *testing.T) {
	s := NewSerialStream()
	defer s.Close()

	// two issuers interleave on one stream; serialized execution keeps the
	// shared counter consistent without further locking.
	total := 0
	for i := 0; i < 50; i++ {
		s.Enqueue(func() { total++ })
		s.Enqueue(func() { total++ })
	}
	s.Sync()
	test.That(t, total, test.ShouldEqual, 100)
}
