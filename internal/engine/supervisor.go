package engine

import (
	"sync"

	"github.com/livecast-io/livecast/internal/signal"
)

// supervisor owns the peer links of a session, keyed by participant id.
//
// A broadcaster session holds one link per viewer; a viewer session holds a
// single link to the broadcaster. The map is the session's only shared
// mutable structure besides the pending queue and is guarded by one lock.
type supervisor struct {
	mu    sync.Mutex
	links map[string]*PeerLink
}

func newSupervisor() *supervisor {
	return &supervisor{links: make(map[string]*PeerLink)}
}

func (sv *supervisor) get(participantID string) *PeerLink {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.links[participantID]
}

func (sv *supervisor) add(link *PeerLink) {
	sv.mu.Lock()
	sv.links[link.participantID] = link
	sv.mu.Unlock()
}

// remove drops the link for participantID if (and only if) it is still the
// registered one. It reports whether a link was removed.
func (sv *supervisor) remove(link *PeerLink) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	cur, ok := sv.links[link.participantID]
	if !ok || cur != link {
		return false
	}
	delete(sv.links, link.participantID)
	return true
}

func (sv *supervisor) count() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.links)
}

func (sv *supervisor) all() []*PeerLink {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*PeerLink, 0, len(sv.links))
	for _, l := range sv.links {
		out = append(out, l)
	}
	return out
}

// broadcast fans env out to every link with an open side-channel and reports
// how many sends succeeded. Links whose channel is not open yet are skipped.
func (sv *supervisor) broadcast(env signal.Envelope) int {
	sent := 0
	for _, link := range sv.all() {
		if err := link.SendEnvelope(env); err == nil {
			sent++
		}
	}
	return sent
}

// closeAll closes every link and empties the set.
func (sv *supervisor) closeAll() {
	sv.mu.Lock()
	links := make([]*PeerLink, 0, len(sv.links))
	for _, l := range sv.links {
		links = append(links, l)
	}
	sv.links = make(map[string]*PeerLink)
	sv.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
