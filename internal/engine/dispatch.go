package engine

import "sync"

// dispatcher runs consumer callbacks one at a time, in enqueue order.
//
// The first caller becomes the runner and drains the queue inline, so
// dispatch stays synchronous in the common case. A callback that calls back
// into the engine (SendChat from inside OnChatMessage, for example) enqueues
// behind the callback currently running and returns immediately instead of
// blocking on its own goroutine.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) run(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		next()
		d.mu.Lock()
	}
	d.running = false
	d.mu.Unlock()
}
