package metrics

import "sync"

// Event counter names used across the engine.
const (
	DecodeDropped         = "decode_dropped"
	PollErrors            = "poll_errors"
	DuplicateOffers       = "duplicate_offers"
	DuplicateAnswers      = "duplicate_answers"
	EarlyCandidateDropped = "early_candidate_dropped"
	StaleResultDiscarded  = "stale_result_discarded"
	ChatRelayed           = "chat_relayed"
	PendingBuffered       = "pending_buffered"
	PendingOverflow       = "pending_overflow"
	RateLimited           = "rate_limited"
	LinksOpened           = "links_opened"
	LinksClosed           = "links_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The engine is a library; embedders that want a real metrics backend can
// periodically Snapshot() and re-export. The registry exists mostly so
// negotiation edge cases (dropped decodes, duplicate offers, stale results)
// stay observable and testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
