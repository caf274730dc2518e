package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/livecast-io/livecast/internal/directory"
)

// fakeDirectory is an in-memory Directory with the same drain semantics as
// the real server: pending viewers and candidates are consumed by fetches,
// answers persist and read idempotently.
type fakeDirectory struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*fakeHostedSession

	createErr error
	joinErr   error

	// When joinEnter is non-nil, Join signals on it and then blocks until
	// joinRelease closes, holding the RPC open for concurrency tests.
	joinEnter   chan struct{}
	joinRelease chan struct{}
}

type fakeHostedSession struct {
	req        directory.CreateSessionRequest
	pending    []directory.PendingViewer
	offers     map[string]string
	answers    map[string]string
	candidates map[string][]directory.CandidateItem
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sessions: make(map[string]*fakeHostedSession)}
}

func (d *fakeDirectory) addSession(id string) *fakeHostedSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeHostedSession{
		offers:     make(map[string]string),
		answers:    make(map[string]string),
		candidates: make(map[string][]directory.CandidateItem),
	}
	d.sessions[id] = s
	return s
}

func (d *fakeDirectory) removeSession(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

func (d *fakeDirectory) session(id string) *fakeHostedSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}

func (d *fakeDirectory) enqueueViewer(sessionID string, pv directory.PendingViewer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.sessions[sessionID]; s != nil {
		s.pending = append(s.pending, pv)
	}
}

func (d *fakeDirectory) setAnswer(sessionID, participantID, answer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.sessions[sessionID]; s != nil {
		s.answers[participantID] = answer
	}
}

func (d *fakeDirectory) enqueueCandidate(sessionID string, cand directory.CandidateItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.sessions[sessionID]; s != nil {
		s.candidates[cand.TargetID] = append(s.candidates[cand.TargetID], cand)
	}
}

func (d *fakeDirectory) CreateSession(_ context.Context, req directory.CreateSessionRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	id := fmt.Sprintf("sess-%d", d.nextID)
	d.sessions[id] = &fakeHostedSession{
		req:        req,
		offers:     make(map[string]string),
		answers:    make(map[string]string),
		candidates: make(map[string][]directory.CandidateItem),
	}
	return id, nil
}

func (d *fakeDirectory) Join(_ context.Context, sessionID, participantID, offer string) error {
	d.mu.Lock()
	enter, release := d.joinEnter, d.joinRelease
	d.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
		<-release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinErr != nil {
		return d.joinErr
	}
	s := d.sessions[sessionID]
	if s == nil {
		return directory.ErrSessionNotFound
	}
	if _, seen := s.offers[participantID]; !seen {
		s.offers[participantID] = offer
		s.pending = append(s.pending, directory.PendingViewer{ParticipantID: participantID, Offer: offer})
	}
	return nil
}

func (d *fakeDirectory) PendingViewers(_ context.Context, sessionID string) ([]directory.PendingViewer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return nil, directory.ErrSessionNotFound
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (d *fakeDirectory) SendAnswer(_ context.Context, sessionID, participantID, answer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return directory.ErrSessionNotFound
	}
	s.answers[participantID] = answer
	return nil
}

func (d *fakeDirectory) SendCandidate(_ context.Context, sessionID string, cand directory.CandidateItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return directory.ErrSessionNotFound
	}
	s.candidates[cand.TargetID] = append(s.candidates[cand.TargetID], cand)
	return nil
}

func (d *fakeDirectory) Answer(_ context.Context, sessionID, participantID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return "", false, directory.ErrSessionNotFound
	}
	answer, ok := s.answers[participantID]
	return answer, ok, nil
}

func (d *fakeDirectory) Candidates(_ context.Context, sessionID, forParticipant string) ([]directory.CandidateItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return nil, directory.ErrSessionNotFound
	}
	out := s.candidates[forParticipant]
	delete(s.candidates, forParticipant)
	return out, nil
}

func (d *fakeDirectory) End(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; !ok {
		return directory.ErrSessionNotFound
	}
	delete(d.sessions, sessionID)
	return nil
}
