// Package outbound buffers encoded frames while the connection is not open.
package outbound

import (
	"sync"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 100

// Queue is a thread-safe bounded FIFO ring. When full, Push evicts the oldest
// frame so the newest intent always survives.
type Queue struct {
	mu       sync.Mutex
	buf      [][]byte
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalFlushed int64
	totalEvicted int64
}

// New creates a queue holding at most capacity frames.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

// Push appends frame. If the queue is full the oldest frame is dropped and
// evicted is true.
func (q *Queue) Push(frame []byte) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.capacity {
		q.popLocked()
		q.totalEvicted++
		evicted = true
	}

	q.buf[q.tail] = frame
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++
	return evicted
}

// PushFront puts frames back at the head, preserving their order. It is used
// to restore the unsent remainder of a failed flush. Frames that no longer
// fit are dropped oldest first, matching Push.
func (q *Queue) PushFront(frames [][]byte) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(frames) - 1; i >= 0; i-- {
		if q.count == q.capacity {
			dropped++
			q.totalEvicted++
			continue
		}
		q.head = (q.head - 1 + q.capacity) % q.capacity
		q.buf[q.head] = frames[i]
		q.count++
	}
	return dropped
}

// Drain removes and returns all queued frames in FIFO order.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	out := make([][]byte, 0, q.count)
	for q.count > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

// Flush drains the queue through send in FIFO order. On the first error the
// failed frame and everything after it are put back and the error returned.
func (q *Queue) Flush(send func([]byte) error) (sent int, err error) {
	frames := q.Drain()
	for i, f := range frames {
		if err := send(f); err != nil {
			q.PushFront(frames[i:])
			q.addFlushed(sent)
			return sent, err
		}
		sent++
	}
	q.addFlushed(sent)
	return sent, nil
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:        q.count,
		Capacity:     q.capacity,
		TotalPushed:  q.totalPushed,
		TotalFlushed: q.totalFlushed,
		TotalEvicted: q.totalEvicted,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalFlushed int64
	TotalEvicted int64
}

// popLocked removes the head frame. Must be called with lock held and count > 0.
func (q *Queue) popLocked() []byte {
	f := q.buf[q.head]
	q.buf[q.head] = nil // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	return f
}

func (q *Queue) addFlushed(n int) {
	q.mu.Lock()
	q.totalFlushed += int64(n)
	q.mu.Unlock()
}
