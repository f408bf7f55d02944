package chat

import "sync"

// BoundedQueue is a fixed-capacity FIFO that is safe for concurrent use.
//
// Push never blocks and never fails: when the queue is full the oldest
// element is evicted to make room. Len never exceeds Cap.
type BoundedQueue[T any] struct {
	mu    sync.Mutex
	items []T // ring buffer, len(items) == capacity
	head  int // index of the oldest element
	size  int
}

// NewBoundedQueue returns an empty queue holding at most capacity elements.
// A capacity below 1 is treated as 1.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue[T]{items: make([]T, capacity)}
}

// Push appends item. If the queue is full, the oldest element is dropped and
// Push reports true.
func (q *BoundedQueue[T]) Push(item T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := len(q.items)
	if q.size == c {
		q.items[(q.head+q.size)%c] = item
		q.head = (q.head + 1) % c
		return true
	}
	q.items[(q.head+q.size)%c] = item
	q.size++
	return false
}

// DrainAll atomically removes and returns every element in FIFO order. The
// queue is empty afterwards. Returns nil when the queue was already empty.
func (q *BoundedQueue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.copyLocked(q.size)
	q.resetLocked()
	return out
}

// Snapshot returns a copy of every element in FIFO order without removing
// anything.
func (q *BoundedQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked(q.size)
}

// Recent returns up to n of the newest elements, oldest first.
func (q *BoundedQueue[T]) Recent(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	return q.copyLocked(n)
}

// IsEmpty reports whether the queue holds no elements.
func (q *BoundedQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of buffered elements.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return len(q.items)
}

// Clear drops every element.
func (q *BoundedQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

// copyLocked copies the newest n elements in FIFO order. Caller holds q.mu.
func (q *BoundedQueue[T]) copyLocked(n int) []T {
	if n <= 0 {
		return nil
	}
	c := len(q.items)
	start := q.head + q.size - n
	out := make([]T, n)
	for i := range n {
		out[i] = q.items[(start+i)%c]
	}
	return out
}

func (q *BoundedQueue[T]) resetLocked() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.size = 0
}
