package analytics

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"netsentry/internal/schema"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when popping from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer of flow records sitting
// between the normalizer and the consumer workers.
type RingBuffer struct {
	buffer []schema.FlowRecord
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

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		buffer: make([]schema.FlowRecord, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a flow to the queue. Returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(flow schema.FlowRecord) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = flow
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// Enqueue is the non-blocking sink surface the normalizer uses; false
// means the flow was dropped.
func (rb *RingBuffer) Enqueue(flow schema.FlowRecord) bool {
	return rb.Push(flow) == nil
}

// Pop removes and returns a flow, or ErrQueueEmpty.
func (rb *RingBuffer) Pop() (schema.FlowRecord, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.popLocked()
}

func (rb *RingBuffer) popLocked() (schema.FlowRecord, error) {
	if rb.count == 0 {
		return schema.FlowRecord{}, ErrQueueEmpty
	}
	flow := rb.buffer[rb.head]
	rb.buffer[rb.head] = schema.FlowRecord{}
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return flow, nil
}

// PopWithTimeout removes and returns a flow, waiting up to the timeout
// for one to arrive.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (schema.FlowRecord, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return schema.FlowRecord{}, ErrQueueEmpty
		}

		done := make(chan struct{})
		go func() {
			time.Sleep(remaining)
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
			close(done)
		}()

		rb.cond.Wait()

		select {
		case <-done:
		default:
		}

		if time.Now().After(deadline) && rb.count == 0 {
			if rb.closed {
				return schema.FlowRecord{}, ErrQueueClosed
			}
			return schema.FlowRecord{}, ErrQueueEmpty
		}
	}

	if rb.closed && rb.count == 0 {
		return schema.FlowRecord{}, ErrQueueClosed
	}
	return rb.popLocked()
}

// Len returns the current queue depth.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the queue capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue and wakes waiting consumers.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// QueueMetrics holds queue statistics.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}
