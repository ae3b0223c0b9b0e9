package evidence

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrBufferFull is returned when attempting to push to a full buffer.
	ErrBufferFull = errors.New("evidence buffer is full")
	// ErrBufferClosed is returned when attempting to use a closed buffer.
	ErrBufferClosed = errors.New("evidence buffer is closed")
)

// ringBuffer is a thread-safe circular buffer decoupling Record calls
// from broker round-trips. A full buffer drops the record and counts it;
// the state machine must never block on evidence emission.
type ringBuffer struct {
	buffer []*Record
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 4096
	}
	rb := &ringBuffer{
		buffer: make([]*Record, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a record to the buffer.
func (rb *ringBuffer) Push(rec *Record) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrBufferClosed
	}
	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrBufferFull
	}

	rb.buffer[rb.tail] = rec
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// PopBlocking removes and returns a record, blocking until one is
// available or the buffer is closed and drained.
func (rb *ringBuffer) PopBlocking() (*Record, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.closed && rb.count == 0 {
		return nil, ErrBufferClosed
	}

	rec := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return rec, nil
}

// Len returns the current number of buffered records.
func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Close closes the buffer and wakes up waiting consumers. Buffered
// records remain poppable until drained.
func (rb *ringBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Dropped returns the number of records dropped because the buffer was full.
func (rb *ringBuffer) Dropped() uint64 {
	return atomic.LoadUint64(&rb.totalDropped)
}
