// Package queue provides the bounded FIFO the worker pool drains. An
// array-based implementation is used instead of a linked list; the
// array only grows when a stop sentinel must be accepted while the
// queue is full, since resizing the pool may never be refused.
package queue

import "sync"

type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	// tracking the length separately in l, because calculating it from
	// (front, back) is difficult in some cases (especially rollover)
	front, back, l int
	items          []interface{}
	capacity       int
}

// NewQueue creates a queue refusing regular pushes beyond capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{items: make([]interface{}, capacity), capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush appends e to the back. Returns false if the queue is at
// capacity; the caller decides how to refuse the work.
func (q *Queue) TryPush(e interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.l >= q.capacity {
		return false
	}
	q.push(e)
	return true
}

// Push appends e to the back unconditionally, growing the backing
// array past the nominal capacity if it has to. Used for stop
// sentinels, which must reach the workers even under full load.
func (q *Queue) Push(e interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.l >= len(q.items) {
		q.grow()
	}
	q.push(e)
}

// Pop removes and returns the front element, blocking until one is
// available. Wakes on sentinels like on any other element.
func (q *Queue) Pop() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.l == 0 {
		q.cond.Wait()
	}
	e := q.items[q.front]
	q.items[q.front] = nil
	q.front = (q.front + 1) % len(q.items)
	q.l--
	return e
}

// Len returns the number of queued elements.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l
}

func (q *Queue) push(e interface{}) {
	q.items[q.back] = e
	q.back = (q.back + 1) % len(q.items)
	q.l++
	q.cond.Signal()
}

func (q *Queue) grow() {
	bigger := make([]interface{}, 2*len(q.items))
	for i := 0; i < q.l; i++ {
		bigger[i] = q.items[(q.front+i)%len(q.items)]
	}
	q.items = bigger
	q.front = 0
	q.back = q.l
}
