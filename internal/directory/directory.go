// Package directory is the engine's signaling transport: a request/response
// client for the remote session directory, plus an in-memory reference server
// implementing the same contract for tests and local development.
//
// The directory is the store of record for pending signaling items; the
// engine never persists them. Participants cannot reach each other directly,
// so offers, answers and candidates are parked here and collected by polling.
package directory

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound = errors.New("directory: session not found")
	ErrSessionFull     = errors.New("directory: session full")
	ErrRejected        = errors.New("directory: request rejected")
)

// CreateSessionRequest describes a new broadcast session.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	MaxViewers  int    `json:"maxViewers"`
}

// PendingViewer is a viewer whose offer has not been answered yet.
type PendingViewer struct {
	ParticipantID string `json:"participantId"`
	Offer         string `json:"offer"`
}

// CandidateItem is a parked ICE candidate payload.
//
// TargetID is empty for viewer-to-broadcaster candidates; the broadcaster
// routes them to the right peer link by SenderID.
type CandidateItem struct {
	SenderID string `json:"senderId"`
	TargetID string `json:"targetId,omitempty"`
	Payload  string `json:"payload"`
}

// Directory is the RPC contract the engine polls against.
//
// Fetches of pending items (PendingViewers, Candidates) drain what they
// return; Answer reads are idempotent.
type Directory interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (string, error)
	Join(ctx context.Context, sessionID, participantID, offer string) error
	PendingViewers(ctx context.Context, sessionID string) ([]PendingViewer, error)
	SendAnswer(ctx context.Context, sessionID, participantID, answer string) error
	SendCandidate(ctx context.Context, sessionID string, cand CandidateItem) error
	// Answer returns the broadcaster's answer for participantID, if present.
	Answer(ctx context.Context, sessionID, participantID string) (string, bool, error)
	// Candidates drains candidates addressed to forParticipant. An empty
	// forParticipant addresses the broadcaster.
	Candidates(ctx context.Context, sessionID, forParticipant string) ([]CandidateItem, error)
	// End removes the session and all parked items.
	End(ctx context.Context, sessionID string) error
}
