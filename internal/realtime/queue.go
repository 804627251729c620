package realtime

import "sync"

// eventQueue is a FIFO queue between the socket reader and the
// dispatcher.
//
// The queue is unbounded so the reader never blocks on a slow handler.
// Events survive reconnects: a frame read just before a drop is still
// dispatched after it.
//
// Thread-safety: Enqueue may be called from any goroutine; in practice the
// current read loop is the only producer and the dispatcher the only
// consumer.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1; closed on Close
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an event. Returns false once the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the size-1 buffer coalesces wakeups.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Release the payload for GC before reslicing.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Dequeue blocks until an event is available. Returns false when the
// queue is closed and drained.
func (q *eventQueue) Dequeue() (Event, bool) {
	for {
		if e, ok := q.TryDequeue(); ok {
			return e, true
		}

		q.mu.Lock()
		if q.closed && len(q.events) == 0 {
			q.mu.Unlock()
			return Event{}, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the consumer. Queued events are
// still returned by Dequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
