package notify

import (
	"sync"

	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/internal/metrics"
)

// Queue is a bounded Channel read from a Go channel. Send never blocks:
// when the buffer is full the event is dropped and counted.
type Queue struct {
	events chan Event
	closed bool
	mu     sync.Mutex
}

// NewQueue creates a queue holding up to size undelivered events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{events: make(chan Event, size)}
}

// Send enqueues e, or drops it when the queue is full or closed.
func (q *Queue) Send(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	select {
	case q.events <- e:
	default:
		metrics.NotificationsDropped.WithLabelValues(string(e.Type)).Inc()
		logger.Warn("notification queue full, dropping event", "type", string(e.Type))
	}
}

// Events returns the channel events are delivered on. It is closed by Close.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Close stops accepting events and closes the delivery channel.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.events)
	}
}
