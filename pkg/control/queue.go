package control

// DefaultQueueSize bounds each component queue.
const DefaultQueueSize = 256

// EventQueue is a bounded FIFO of events for one component. Push is safe
// from many goroutines; Drain expects a single consumer.
type EventQueue struct {
	ch chan Event
}

// NewEventQueue returns a queue holding up to capacity events. A
// non-positive capacity selects DefaultQueueSize.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &EventQueue{ch: make(chan Event, capacity)}
}

// Push appends ev without blocking. It returns ErrQueueFull when the queue
// has no room; the event is dropped.
func (q *EventQueue) Push(ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain removes and returns every event queued when it was called, oldest
// first. Events pushed while draining stay for the next call.
func (q *EventQueue) Drain() []Event {
	n := len(q.ch)
	if n == 0 {
		return nil
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int { return cap(q.ch) }
