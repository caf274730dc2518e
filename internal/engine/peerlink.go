package engine

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/metrics"
	"github.com/livecast-io/livecast/internal/ratelimit"
	"github.com/livecast-io/livecast/internal/signal"
)

// LinkState is the lifecycle of one peer link.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkDisconnected
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s LinkState) Terminal() bool {
	return s == LinkDisconnected || s == LinkFailed
}

// linkTransitions is the allowed transition table. Terminal states have no
// exits, so duplicate disconnect/fail events from pion collapse to no-ops.
var linkTransitions = map[LinkState]map[LinkState]bool{
	LinkNew:         {LinkNegotiating: true, LinkConnected: true, LinkDisconnected: true, LinkFailed: true},
	LinkNegotiating: {LinkConnected: true, LinkDisconnected: true, LinkFailed: true},
	LinkConnected:   {LinkDisconnected: true, LinkFailed: true},
}

// State errors. These indicate benign duplication inherent to polling and are
// counted, logged at debug, and otherwise ignored.
var (
	errDuplicateAnswer   = errors.New("answer already applied")
	errAnswerNotExpected = errors.New("no local offer awaiting an answer")
	errEarlyCandidate    = errors.New("remote candidate before remote description")
)

type linkCallbacks struct {
	// onLocalCandidate fires for each locally gathered candidate, never
	// before the local description is committed.
	onLocalCandidate func(webrtc.ICECandidateInit)
	// onStateChange fires outside the link's lock after a valid transition.
	onStateChange func(*PeerLink, LinkState)
	// onEnvelope fires for each decoded inbound side-channel message.
	onEnvelope func(*PeerLink, signal.Envelope)
}

// PeerLink owns one peer connection and its side-channel.
//
// The link closes both exactly once; everything else it owns is guarded by a
// single mutex that is never held across pion calls or callbacks.
type PeerLink struct {
	participantID string
	pc            *webrtc.PeerConnection
	log           *slog.Logger
	metrics       *metrics.Metrics
	limiter       *ratelimit.MessageLimiter
	cbs           linkCallbacks

	mu            sync.Mutex
	state         LinkState
	channel       *webrtc.DataChannel
	channelOpen   bool
	localReady    bool
	candBuf       []webrtc.ICECandidateInit
	remoteDescSet bool
	answerApplied bool

	closeOnce sync.Once
}

func newPeerLink(participantID string, pc *webrtc.PeerConnection, limiter *ratelimit.MessageLimiter, m *metrics.Metrics, log *slog.Logger, cbs linkCallbacks) *PeerLink {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	pl := &PeerLink{
		participantID: participantID,
		pc:            pc,
		log:           log.With("participant_id", participantID),
		metrics:       m,
		limiter:       limiter,
		cbs:           cbs,
		state:         LinkNew,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()

		pl.mu.Lock()
		if !pl.localReady {
			pl.candBuf = append(pl.candBuf, init)
			pl.mu.Unlock()
			return
		}
		pl.mu.Unlock()

		if pl.cbs.onLocalCandidate != nil {
			pl.cbs.onLocalCandidate(init)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			pl.transition(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			pl.transition(LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			pl.transition(LinkFailed)
		}
	})

	return pl
}

func (pl *PeerLink) ParticipantID() string { return pl.participantID }

func (pl *PeerLink) State() LinkState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

func (pl *PeerLink) ChannelOpen() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.channelOpen
}

// transition applies the state machine. Illegal transitions are dropped.
func (pl *PeerLink) transition(to LinkState) bool {
	pl.mu.Lock()
	if pl.state == to || !linkTransitions[pl.state][to] {
		pl.mu.Unlock()
		return false
	}
	pl.state = to
	cb := pl.cbs.onStateChange
	pl.mu.Unlock()

	if cb != nil {
		cb(pl, to)
	}
	return true
}

// attachChannel binds the side-channel and installs its handlers. The channel
// is not usable for sends until its open event fires.
func (pl *PeerLink) attachChannel(dc *webrtc.DataChannel) {
	pl.mu.Lock()
	pl.channel = dc
	pl.mu.Unlock()

	dc.OnOpen(func() {
		pl.mu.Lock()
		pl.channelOpen = true
		pl.mu.Unlock()
	})
	dc.OnClose(func() {
		pl.mu.Lock()
		pl.channelOpen = false
		pl.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if pl.limiter != nil && !pl.limiter.Allow() {
			pl.metrics.Inc(metrics.RateLimited)
			return
		}
		env, ok := signal.DecodeEnvelope(msg.Data)
		if !ok {
			pl.metrics.Inc(metrics.DecodeDropped)
			pl.log.Debug("dropping undecodable side-channel frame", "bytes", len(msg.Data))
			return
		}
		if env.SenderID == "" {
			env.SenderID = pl.participantID
		}
		if pl.cbs.onEnvelope != nil {
			pl.cbs.onEnvelope(pl, env)
		}
	})
}

// markLocalReady commits the local description and flushes candidates that
// were gathered before it, in discovery order.
func (pl *PeerLink) markLocalReady() {
	pl.mu.Lock()
	pl.localReady = true
	buf := pl.candBuf
	pl.candBuf = nil
	pl.mu.Unlock()

	if pl.cbs.onLocalCandidate == nil {
		return
	}
	for _, init := range buf {
		pl.cbs.onLocalCandidate(init)
	}
}

// setRemoteOffer applies a viewer's offer on the broadcaster side.
func (pl *PeerLink) setRemoteOffer(desc webrtc.SessionDescription) error {
	if err := pl.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	pl.mu.Lock()
	pl.remoteDescSet = true
	pl.mu.Unlock()
	pl.transition(LinkNegotiating)
	return nil
}

// applyAnswer applies the broadcaster's answer on the viewer side, at most
// once, and only while a local offer is awaiting one.
func (pl *PeerLink) applyAnswer(desc webrtc.SessionDescription) error {
	pl.mu.Lock()
	if pl.answerApplied {
		pl.mu.Unlock()
		return errDuplicateAnswer
	}
	if pl.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		pl.mu.Unlock()
		return errAnswerNotExpected
	}
	pl.answerApplied = true
	pl.mu.Unlock()

	if err := pl.pc.SetRemoteDescription(desc); err != nil {
		pl.mu.Lock()
		pl.answerApplied = false
		pl.mu.Unlock()
		return err
	}

	pl.mu.Lock()
	pl.remoteDescSet = true
	pl.mu.Unlock()
	pl.transition(LinkNegotiating)
	return nil
}

// addRemoteCandidate applies a remote candidate once a remote description is
// present. Earlier arrivals are expected with polling and are dropped.
func (pl *PeerLink) addRemoteCandidate(init webrtc.ICECandidateInit) error {
	pl.mu.Lock()
	ready := pl.remoteDescSet
	pl.mu.Unlock()
	if !ready {
		return errEarlyCandidate
	}
	return pl.pc.AddICECandidate(init)
}

// SendEnvelope delivers an application message over the side-channel.
func (pl *PeerLink) SendEnvelope(env signal.Envelope) error {
	pl.mu.Lock()
	ch := pl.channel
	open := pl.channelOpen
	pl.mu.Unlock()
	if ch == nil || !open {
		return ErrChannelNotOpen
	}
	return ch.SendText(string(env.Encode()))
}

// Close tears down the side-channel and peer connection exactly once.
func (pl *PeerLink) Close() {
	pl.closeOnce.Do(func() {
		pl.mu.Lock()
		ch := pl.channel
		pl.channel = nil
		pl.channelOpen = false
		pl.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		_ = pl.pc.Close()
	})
}
