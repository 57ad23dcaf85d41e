package taskqueue

import "context"

// defaultCapacity bounds an InMemoryQueue when the caller does not pick a
// size.
const defaultCapacity = 1024

// InMemoryQueue delivers tasks over a buffered channel, giving FIFO order
// and backpressure within a single process. NotBefore stamps are ignored;
// delayed delivery needs one of the persistent queues.
type InMemoryQueue struct {
	tasks chan Task
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue sizes the buffer to capacity, falling back to
// defaultCapacity for zero or negative values.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryQueue{tasks: make(chan Task, capacity)}
}

// Enqueue appends t, blocking while the buffer is full until ctx ends.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks for the next task until ctx ends.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.tasks:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of buffered tasks.
func (q *InMemoryQueue) Len() int {
	return len(q.tasks)
}
