package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMessageLimiter_BurstThenSteadyRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("message %d of initial burst refused", i+1)
		}
	}
	if l.Allow() {
		t.Fatalf("expected refusal past the burst")
	}

	clk.Advance(200 * time.Millisecond) // one emission interval at 5/sec
	if !l.Allow() {
		t.Fatalf("expected one message after an interval elapsed")
	}
	if l.Allow() {
		t.Fatalf("expected refusal until the next interval")
	}
}

func TestMessageLimiter_IdleDoesNotExceedBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clk, 1, 1)

	if !l.Allow() {
		t.Fatalf("expected first message")
	}

	clk.Advance(10 * time.Second)
	if !l.Allow() {
		t.Fatalf("expected a message after idling")
	}
	if l.Allow() {
		t.Fatalf("idle time must not accrue beyond the burst")
	}
}

func TestMessageLimiter_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	l := NewMessageLimiter(clk, 1, 2)

	if !l.Allow() || !l.Allow() {
		t.Fatalf("expected initial burst of 2")
	}

	clk.Advance(-50 * time.Second)
	if l.Allow() {
		t.Fatalf("expected refusal while the clock is behind")
	}
}

func TestMessageLimiter_ZeroRateRefusesAll(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clk, 0, 5)

	if l.Allow() {
		t.Fatalf("zero rate must refuse")
	}
}
