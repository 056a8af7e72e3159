package server

import (
	"net"
	"sync"
	"time"
)

// job is one unit of work for the engine's consumer: either a received
// datagram or an internal task.
type job struct {
	data     []byte
	addr     *net.UDPAddr
	received time.Time
	task     func(e *Engine)
}

// Queue is an unbounded FIFO whose Pop blocks while the queue is empty.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []job
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends j. It returns false once the queue is closed.
func (q *Queue) Push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, j)
	q.cond.Signal()
	return true
}

// Pop removes the oldest job, waiting for one if necessary. The second
// result is false when the queue has been closed and drained.
func (q *Queue) Pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return job{}, false
	}

	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	return j, true
}

// Close wakes every waiting consumer. Jobs already queued are still handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
