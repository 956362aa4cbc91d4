package capture

import "sync"

// eventQueue is an unbounded FIFO with a single consumer. push never
// blocks, so producers may post from inside callbacks that run on the
// consumer goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push reports false once the queue is closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close rejects further pushes and returns the events still queued.
func (q *eventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}
