package engine

import (
	"sync"

	"github.com/livecast-io/livecast/internal/signal"
)

// pendingQueue is a bounded FIFO for inbound application messages that arrive
// before the consumer has registered handlers.
//
// It never blocks. Drain empties the queue exactly once and permanently
// retires it; a retired queue rejects further appends so a session can never
// buffer a second time.
type pendingQueue struct {
	mu      sync.Mutex
	max     int
	items   []signal.Envelope
	retired bool
}

func newPendingQueue(max int) *pendingQueue {
	if max <= 0 {
		max = 256
	}
	return &pendingQueue{max: max}
}

// Append buffers env in arrival order. It reports false when the queue is
// retired or full; the message is dropped, not queued elsewhere.
func (q *pendingQueue) Append(env signal.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired || len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, env)
	return true
}

// Drain returns all buffered messages in arrival order and retires the
// queue. Subsequent calls return nil.
func (q *pendingQueue) Drain() []signal.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return nil
	}
	q.retired = true
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) Retired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retired
}
