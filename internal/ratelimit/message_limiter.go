// Package ratelimit caps the rate of side-channel messages accepted from a
// single peer.
package ratelimit

import (
	"sync"
	"time"
)

// MessageLimiter admits messages at a steady per-second rate with a bounded
// burst, using virtual scheduling: each admitted message pushes a theoretical
// arrival time forward by one emission interval, and a message is refused
// when that time has drifted more than the burst tolerance ahead of the
// clock. Compared to a counting bucket this needs no refill bookkeeping and
// no overflow guards.
//
// A non-positive perSecond refuses everything.
type MessageLimiter struct {
	mu sync.Mutex

	clock    Clock
	interval time.Duration // time credit consumed per message
	burstTol time.Duration // how far ahead of the clock we may run

	next time.Time // theoretical arrival time of the next message
}

func NewMessageLimiter(clock Clock, perSecond, burst int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &MessageLimiter{clock: clock}
	if perSecond <= 0 {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l.interval = time.Second / time.Duration(perSecond)
	l.burstTol = l.interval * time.Duration(burst-1)
	l.next = clock.Now()
	return l
}

// Allow reports whether one message may be accepted now.
func (l *MessageLimiter) Allow() bool {
	if l.interval <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	next := l.next
	if next.Before(now) {
		// Idle time never accrues beyond the burst tolerance.
		next = now
	}
	if next.Sub(now) > l.burstTol {
		return false
	}
	l.next = next.Add(l.interval)
	return true
}
