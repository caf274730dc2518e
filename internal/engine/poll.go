package engine

import (
	"context"
	"sync"
	"time"
)

// pollLoop drives one session's signaling against the directory.
//
// A single repeating timer; each tick runs in the loop's own goroutine under
// a per-tick deadline so a slow directory call is abandoned and retried next
// cycle instead of stalling the timer. Tick errors never stop the loop.
type pollLoop struct {
	interval    time.Duration
	tickTimeout time.Duration
	tick        func(ctx context.Context)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startPollLoop(interval, tickTimeout time.Duration, tick func(ctx context.Context)) *pollLoop {
	if interval <= 0 {
		interval = time.Second
	}
	if tickTimeout <= 0 {
		tickTimeout = 3 * time.Second
	}
	p := &pollLoop{
		interval:    interval,
		tickTimeout: tickTimeout,
		tick:        tick,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pollLoop) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			// A stop racing the ticker must win; stray ticks are additionally
			// made harmless by the engine's session identity checks.
			select {
			case <-p.stop:
				return
			default:
			}
			p.runTick()
		}
	}
}

func (p *pollLoop) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.tickTimeout)
	defer cancel()

	// Cancel the tick early if the loop is stopped mid-RPC.
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.tick(ctx)
}

// Stop halts the timer and cancels an in-flight tick. It does not wait for
// the loop goroutine: teardown may run from a handler dispatched by a tick,
// and waiting there would deadlock. Idempotent and safe to call concurrently.
func (p *pollLoop) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Done is closed once the loop goroutine has exited. Used by tests.
func (p *pollLoop) Done() <-chan struct{} { return p.done }
