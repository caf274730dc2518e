package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollLoopTicksUntilStopped(t *testing.T) {
	var ticks atomic.Int64
	p := startPollLoop(5*time.Millisecond, time.Second, func(context.Context) {
		ticks.Add(1)
	})

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("saw %d ticks before deadline, want >= 3", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after Stop")
	}

	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != settled {
		t.Fatalf("ticks continued after Stop: %d -> %d", settled, got)
	}
}

func TestPollLoopStopCancelsInFlightTick(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	p := startPollLoop(5*time.Millisecond, 10*time.Second, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick never started")
	}
	p.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight tick not cancelled by Stop")
	}
}

func TestPollLoopStopFromInsideTick(t *testing.T) {
	var p *pollLoop
	assigned := make(chan struct{})
	ready := make(chan struct{})
	p = startPollLoop(5*time.Millisecond, time.Second, func(context.Context) {
		// Teardown paths run Stop from code dispatched by a tick; it must
		// not deadlock.
		<-assigned
		p.Stop()
		select {
		case <-ready:
		default:
			close(ready)
		}
	})
	close(assigned)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick never ran")
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after in-tick Stop")
	}
	p.Stop() // idempotent
}
