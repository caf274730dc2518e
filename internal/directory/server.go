package directory

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livecast-io/livecast/internal/metrics"
)

// Server is an in-memory reference directory.
//
// It implements the same contract Client speaks, keyed entirely in memory:
// persistence is out of scope. It exists so the engine can be exercised end
// to end without a deployed directory.
type Server struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*hostedSession
}

type hostedSession struct {
	id         string
	title      string
	category   string
	maxViewers int
	createdAt  time.Time

	// pending holds unanswered viewer offers in arrival order.
	pendingOrder []string
	pending      map[string]string

	// answers persist so duplicate fetches exercise the viewer's
	// answer-at-most-once guard instead of hiding it.
	answers map[string]string

	// candidates are parked per target ("" addresses the broadcaster) and
	// drained on fetch.
	candidates map[string][]CandidateItem

	viewerCount int
}

func NewServer(m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		metrics:  m,
		sessions: make(map[string]*hostedSession),
	}
}

// Handler returns the HTTP surface of the directory.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleEnd)
	mux.HandleFunc("POST /v1/sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("GET /v1/sessions/{id}/viewers", s.handlePendingViewers)
	mux.HandleFunc("POST /v1/sessions/{id}/answer", s.handleSendAnswer)
	mux.HandleFunc("GET /v1/sessions/{id}/answer", s.handleGetAnswer)
	mux.HandleFunc("POST /v1/sessions/{id}/candidates", s.handleSendCandidate)
	mux.HandleFunc("GET /v1/sessions/{id}/candidates", s.handleGetCandidates)
	mux.Handle("GET /metrics", metrics.Handler(s.metrics))
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.MaxViewers <= 0 {
		req.MaxViewers = 50
	}

	sess := &hostedSession{
		id:         uuid.NewString(),
		title:      req.Title,
		category:   req.Category,
		maxViewers: req.MaxViewers,
		createdAt:  time.Now(),
		pending:    make(map[string]string),
		answers:    make(map[string]string),
		candidates: make(map[string][]CandidateItem),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sess.id})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.sessions[r.PathValue("id")]
	delete(s.sessions, r.PathValue("id"))
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
		Offer         string `json:"offer"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" || req.Offer == "" {
		http.Error(w, "participantId and offer are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if sess.viewerCount >= sess.maxViewers {
		http.Error(w, "session full", http.StatusConflict)
		return
	}
	if _, dup := sess.pending[req.ParticipantID]; !dup {
		sess.pendingOrder = append(sess.pendingOrder, req.ParticipantID)
		sess.viewerCount++
	}
	sess.pending[req.ParticipantID] = req.Offer
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingViewers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	viewers := make([]PendingViewer, 0, len(sess.pendingOrder))
	for _, id := range sess.pendingOrder {
		if offer, ok := sess.pending[id]; ok {
			viewers = append(viewers, PendingViewer{ParticipantID: id, Offer: offer})
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"viewers": viewers})
}

func (s *Server) handleSendAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
		Answer        string `json:"answer"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" || req.Answer == "" {
		http.Error(w, "participantId and answer are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess.answers[req.ParticipantID] = req.Answer
	// Answered offers are no longer pending.
	delete(sess.pending, req.ParticipantID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")

	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	var answer string
	if ok {
		answer = sess.answers[participant]
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *Server) handleSendCandidate(w http.ResponseWriter, r *http.Request) {
	var cand CandidateItem
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cand); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if cand.SenderID == "" || cand.Payload == "" {
		http.Error(w, "senderId and payload are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess.candidates[cand.TargetID] = append(sess.candidates[cand.TargetID], cand)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCandidates(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")

	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	var drained []CandidateItem
	if ok {
		drained = sess.candidates[participant]
		delete(sess.candidates, participant)
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if drained == nil {
		drained = []CandidateItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": drained})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
