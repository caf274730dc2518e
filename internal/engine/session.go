package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/livecast-io/livecast/internal/media"
)

var (
	// ErrSessionActive is returned when a start/join collides with a
	// non-terminal session for a different id.
	ErrSessionActive = errors.New("engine: another session is active")
	// ErrNoSession is returned for operations that need an active session.
	ErrNoSession = errors.New("engine: no active session")
	// ErrChannelNotOpen is returned for sends on a side-channel that has not
	// reported open yet. Outbound sends are rejected, never queued.
	ErrChannelNotOpen = errors.New("engine: side-channel not open")
)

// Role distinguishes the two sides of a broadcast.
type Role int

const (
	RoleBroadcaster Role = iota + 1
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of the engine's session slot.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusActive
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusEnded || s == StatusFailed
}

// session is the engine's single live session. All fields except links and
// poll are written once at construction; mutation goes through the Engine
// under its lock.
type session struct {
	id        string
	role      Role
	status    Status
	createdAt time.Time

	// selfID identifies this participant to the directory. For a viewer it is
	// the id the broadcaster answers to; for a broadcaster it tags outgoing
	// targeted candidates.
	selfID string

	capture *media.Capture
	links   *supervisor
	poll    *pollLoop

	// pending buffers inbound application messages until handlers attach.
	// One queue per session; it is drained at most once.
	pending *pendingQueue

	lastHeartbeat time.Time

	// closeOnce guards resource teardown; endNoticeOnce guards the single
	// stream-ended notification a viewer session may emit.
	closeOnce     sync.Once
	endNoticeOnce sync.Once
}

// SessionInfo is a read-only snapshot exposed to consumers.
type SessionInfo struct {
	ID        string
	Role      Role
	Status    Status
	CreatedAt time.Time
}
