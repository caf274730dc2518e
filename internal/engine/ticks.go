package engine

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/directory"
	"github.com/livecast-io/livecast/internal/metrics"
	"github.com/livecast-io/livecast/internal/rtc"
	"github.com/livecast-io/livecast/internal/signal"
)

// broadcasterTick is one iteration of the broadcaster poll loop: accept
// waiting viewer offers, drain inbound candidates addressed to us, and emit
// a heartbeat when due.
func (e *Engine) broadcasterTick(ctx context.Context, s *session) {
	if e.currentSession() != s {
		e.metrics.Inc(metrics.StaleResultDiscarded)
		return
	}

	viewers, err := e.dir.PendingViewers(ctx, s.id)
	if err != nil {
		e.metrics.Inc(metrics.PollErrors)
		e.log.Warn("poll pending viewers failed", "session_id", s.id, "err", err)
	} else {
		// The broadcast goes live once the directory is demonstrably
		// serving the session.
		e.setStatus(s, StatusActive)
		for _, pv := range viewers {
			e.handleViewerOffer(ctx, s, pv)
		}
	}

	items, err := e.dir.Candidates(ctx, s.id, "")
	if err != nil {
		e.metrics.Inc(metrics.PollErrors)
		e.log.Warn("poll candidates failed", "session_id", s.id, "err", err)
	} else {
		for _, item := range items {
			e.applyInboundCandidate(s, item.SenderID, item.Payload)
		}
	}

	e.maybeHeartbeat(s)
}

// handleViewerOffer answers one viewer's offer. The link is registered only
// after the answer reaches the directory; a failure at any step closes the
// half-built connection and leaves the viewer to retry.
func (e *Engine) handleViewerOffer(ctx context.Context, s *session, pv directory.PendingViewer) {
	if s.links.get(pv.ParticipantID) != nil {
		e.metrics.Inc(metrics.DuplicateOffers)
		return
	}
	offer, ok := signal.DecodeSDP(pv.Offer)
	if !ok {
		e.metrics.Inc(metrics.DecodeDropped)
		e.log.Warn("dropping malformed offer", "participant_id", pv.ParticipantID)
		return
	}

	pc, err := e.api.NewPeerConnection(rtc.PeerConfiguration(e.cfg))
	if err != nil {
		e.log.Warn("new peer connection failed", "participant_id", pv.ParticipantID, "err", err)
		return
	}

	participantID := pv.ParticipantID
	link := newPeerLink(participantID, pc, e.newChatLimiter(), e.metrics, e.log, linkCallbacks{
		onLocalCandidate: func(init webrtc.ICECandidateInit) {
			go e.pushCandidate(s, participantID, init)
		},
		onStateChange: func(pl *PeerLink, st LinkState) {
			if st.Terminal() {
				e.dropViewerLink(s, pl)
			}
		},
		onEnvelope: func(pl *PeerLink, env signal.Envelope) {
			e.broadcasterInbound(s, pl, env)
		},
	})

	fail := func(err error) {
		e.log.Warn("answering viewer failed", "participant_id", participantID, "err", err)
		link.Close()
	}

	for _, track := range s.capture.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			fail(err)
			return
		}
	}

	// The viewer creates the side-channel; it surfaces here once the
	// channel description lands.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == sideChannelLabel {
			link.attachChannel(dc)
		}
	})

	if err := link.setRemoteOffer(offer); err != nil {
		fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		fail(err)
		return
	}

	local := pc.LocalDescription()
	if local == nil {
		fail(errors.New("missing local description"))
		return
	}
	if err := e.dir.SendAnswer(ctx, s.id, participantID, signal.EncodeSDP(*local)); err != nil {
		fail(err)
		return
	}

	s.links.add(link)
	// Candidates are released only after the answer is stored, so the viewer
	// never drains them ahead of a description it could apply them to.
	link.markLocalReady()
	e.metrics.Inc(metrics.LinksOpened)
	e.notifyViewerCount(s)
	e.announcePresence(s, signal.KindUserJoin, participantID)
}

// viewerTick is one iteration of the viewer poll loop: pick up the answer
// if it has not been applied yet, then drain candidates addressed to us.
// A vanished session means the broadcast ended.
func (e *Engine) viewerTick(ctx context.Context, s *session) {
	if e.currentSession() != s {
		e.metrics.Inc(metrics.StaleResultDiscarded)
		return
	}
	link := s.links.get(broadcasterParticipant)
	if link == nil {
		return
	}

	payload, have, err := e.dir.Answer(ctx, s.id, s.selfID)
	switch {
	case errors.Is(err, directory.ErrSessionNotFound):
		e.streamEnded(s, StatusEnded)
		return
	case err != nil:
		e.metrics.Inc(metrics.PollErrors)
		e.log.Warn("poll answer failed", "session_id", s.id, "err", err)
	case have:
		if answer, ok := signal.DecodeSDP(payload); ok {
			if applyErr := link.applyAnswer(answer); applyErr == nil {
				link.markLocalReady()
			} else {
				// Already-applied answers recur because the read is
				// idempotent server-side; anything else is fatal for
				// this negotiation attempt.
				if errors.Is(applyErr, errDuplicateAnswer) || errors.Is(applyErr, errAnswerNotExpected) {
					e.metrics.Inc(metrics.DuplicateAnswers)
				} else {
					e.log.Warn("apply answer failed", "session_id", s.id, "err", applyErr)
				}
			}
		} else {
			e.metrics.Inc(metrics.DecodeDropped)
		}
	}

	// Candidate fetches drain the directory queue, so hold off until an
	// answer has landed and they can actually be applied.
	if link.State() == LinkNew {
		return
	}

	items, err := e.dir.Candidates(ctx, s.id, s.selfID)
	if errors.Is(err, directory.ErrSessionNotFound) {
		e.streamEnded(s, StatusEnded)
		return
	}
	if err != nil {
		e.metrics.Inc(metrics.PollErrors)
		e.log.Warn("poll candidates failed", "session_id", s.id, "err", err)
		return
	}
	for _, item := range items {
		e.applyInboundCandidate(s, broadcasterParticipant, item.Payload)
	}
}

// applyInboundCandidate routes one remote candidate to its peer link. A
// candidate that fails to decode is dropped without blocking the rest of
// the batch.
func (e *Engine) applyInboundCandidate(s *session, participantID string, payload string) {
	link := s.links.get(participantID)
	if link == nil {
		e.metrics.Inc(metrics.EarlyCandidateDropped)
		return
	}
	init, ok := signal.DecodeCandidate(payload)
	if !ok {
		e.metrics.Inc(metrics.DecodeDropped)
		return
	}
	if err := link.addRemoteCandidate(init); err != nil {
		if errors.Is(err, errEarlyCandidate) {
			e.metrics.Inc(metrics.EarlyCandidateDropped)
			return
		}
		e.log.Warn("add candidate failed", "participant_id", participantID, "err", err)
	}
}

// maybeHeartbeat emits a liveness envelope when the interval has elapsed.
// lastHeartbeat is only touched here, on the poll goroutine.
func (e *Engine) maybeHeartbeat(s *session) {
	now := e.clock.Now()
	if now.Sub(s.lastHeartbeat) < e.cfg.HeartbeatInterval {
		return
	}
	s.lastHeartbeat = now
	env, err := signal.NewEnvelope(signal.KindHeartbeat, s.selfID, nil)
	if err != nil {
		return
	}
	s.links.broadcast(env)
}

// broadcasterInbound handles a side-channel message from one viewer: chat
// and typing are relayed to every viewer, including back to the sender, and
// delivered locally.
func (e *Engine) broadcasterInbound(s *session, from *PeerLink, env signal.Envelope) {
	switch env.Kind {
	case signal.KindChat:
		env.SenderID = from.participantID
		s.links.broadcast(env)
		e.metrics.Inc(metrics.ChatRelayed)
		e.deliver(s, env)
	case signal.KindTyping:
		env.SenderID = from.participantID
		s.links.broadcast(env)
		e.deliver(s, env)
	case signal.KindViewerLeave:
		e.dropViewerLink(s, from)
	default:
		// Well-formed but not something a viewer sends; ignore it.
		e.log.Debug("ignoring unexpected viewer message", "participant_id", from.participantID, "kind", env.Kind)
	}
}

// viewerInbound handles a side-channel message from the broadcaster.
func (e *Engine) viewerInbound(s *session, env signal.Envelope) {
	switch env.Kind {
	case signal.KindStreamEnd:
		e.streamEnded(s, StatusEnded)
	case signal.KindHeartbeat:
		// Liveness only; nothing to surface.
	default:
		e.deliver(s, env)
	}
}

// dropViewerLink retires one viewer's link and tells everyone who is left.
func (e *Engine) dropViewerLink(s *session, link *PeerLink) {
	if !s.links.remove(link) {
		return
	}
	link.Close()
	e.metrics.Inc(metrics.LinksClosed)
	if e.currentSession() != s {
		return
	}
	e.notifyViewerCount(s)
	e.announcePresence(s, signal.KindUserLeave, link.participantID)
}

// announcePresence fans a join/leave notice to all viewers and delivers it
// locally.
func (e *Engine) announcePresence(s *session, kind signal.Kind, participantID string) {
	env, err := signal.NewEnvelope(kind, s.selfID, PresenceData{
		ParticipantID: participantID,
		ViewerCount:   s.links.count(),
	})
	if err != nil {
		return
	}
	s.links.broadcast(env)
	e.deliver(s, env)
}
