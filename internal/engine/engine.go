// Package engine coordinates one live broadcast session: it negotiates peer
// connections through a polled signaling directory, supervises the resulting
// peer links, and fans application messages (chat, typing, presence) over
// their side-channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/directory"
	"github.com/livecast-io/livecast/internal/media"
	"github.com/livecast-io/livecast/internal/metrics"
	"github.com/livecast-io/livecast/internal/ratelimit"
	"github.com/livecast-io/livecast/internal/rtc"
	"github.com/livecast-io/livecast/internal/signal"
)

// sideChannelLabel is the data channel carrying chat and presence.
const sideChannelLabel = "chat"

// broadcasterParticipant keys a viewer's single link to the broadcaster.
const broadcasterParticipant = "broadcaster"

// Options wires an Engine's dependencies. Directory is required; everything
// else has a sensible default.
type Options struct {
	Config    config.Config
	Logger    *slog.Logger
	Directory directory.Directory
	API       *webrtc.API
	Media     media.Source
	Metrics   *metrics.Metrics
	Clock     ratelimit.Clock
}

// Engine owns at most one live session at a time. Construct one per
// consumer; it is not a process-wide singleton.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	dir     directory.Directory
	api     *webrtc.API
	source  media.Source
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu          sync.Mutex
	sess        *session
	handlers    Handlers
	handlersSet bool
	joining     bool

	// dispatch serializes all consumer callback invocations so buffered
	// replay and live delivery cannot interleave out of order, while still
	// letting handlers call back into the engine.
	dispatch dispatcher
}

func New(opts Options) (*Engine, error) {
	if opts.Directory == nil {
		return nil, errors.New("engine: directory is required")
	}
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = config.DefaultRPCTimeout
	}
	if cfg.MaxViewers <= 0 {
		cfg.MaxViewers = config.DefaultMaxViewers
	}
	if cfg.ChatMessagesPerSecond <= 0 {
		cfg.ChatMessagesPerSecond = config.DefaultChatMessagesPerSecond
	}
	if cfg.PendingBufferSize <= 0 {
		cfg.PendingBufferSize = config.DefaultPendingBufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}

	api := opts.API
	if api == nil {
		var err error
		if api, err = rtc.NewAPI(cfg); err != nil {
			return nil, err
		}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	source := opts.Media
	if source == nil {
		source = media.SyntheticSource{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	return &Engine{
		cfg:     cfg,
		log:     log,
		dir:     opts.Directory,
		api:     api,
		source:  source,
		metrics: m,
		clock:   clock,
	}, nil
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Status reports the session slot's lifecycle state; Idle when no session
// exists.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return StatusIdle
	}
	return e.sess.status
}

// Info snapshots the current session, if any.
func (e *Engine) Info() (SessionInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:        e.sess.id,
		Role:      e.sess.role,
		Status:    e.sess.status,
		CreatedAt: e.sess.createdAt,
	}, true
}

// ViewerCount is the number of registered peer links (broadcaster role).
func (e *Engine) ViewerCount() int {
	s := e.currentSession()
	if s == nil || s.role != RoleBroadcaster {
		return 0
	}
	return s.links.count()
}

func (e *Engine) currentSession() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// SetEventHandlers registers consumer callbacks. The first registration of a
// session drains messages buffered before it, in arrival order; later
// registrations replace the handlers without redelivery.
func (e *Engine) SetEventHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.handlersSet = true
	s := e.sess
	e.mu.Unlock()

	if s == nil {
		return
	}
	// The queue is retired inside Drain while the dispatcher is occupied,
	// so a concurrent live delivery lands behind the buffered replay.
	e.dispatch.run(func() {
		for _, env := range s.pending.Drain() {
			dispatchEnvelope(h, env)
		}
	})
}

// Start begins broadcasting: acquires local media, registers the session
// with the directory, and starts the broadcaster poll loop.
func (e *Engine) Start(ctx context.Context, title, description, category string) (string, error) {
	e.mu.Lock()
	if e.joining {
		e.mu.Unlock()
		return "", ErrSessionActive
	}
	if e.sess != nil && !e.sess.status.Terminal() {
		e.mu.Unlock()
		return "", ErrSessionActive
	}
	old := e.sess
	e.sess = nil
	e.mu.Unlock()
	e.closeSession(old)

	capture, err := e.source.Acquire(ctx, media.Constraints{
		Width:            e.cfg.MediaWidth,
		Height:           e.cfg.MediaHeight,
		FrameRate:        e.cfg.MediaFrameRate,
		EchoCancellation: true,
		NoiseSuppression: true,
	})
	if err != nil {
		return "", fmt.Errorf("acquire media: %w", err)
	}

	id, err := e.dir.CreateSession(ctx, directory.CreateSessionRequest{
		Title:       title,
		Description: description,
		Category:    category,
		MaxViewers:  e.cfg.MaxViewers,
	})
	if err != nil {
		capture.Release()
		return "", fmt.Errorf("create session: %w", err)
	}

	now := time.Now()
	s := &session{
		id:            id,
		role:          RoleBroadcaster,
		status:        StatusConnecting,
		createdAt:     now,
		selfID:        uuid.NewString(),
		capture:       capture,
		links:         newSupervisor(),
		pending:       newPendingQueue(e.cfg.PendingBufferSize),
		lastHeartbeat: now,
	}
	s.poll = startPollLoop(e.cfg.PollInterval, e.cfg.RPCTimeout, func(tickCtx context.Context) {
		e.broadcasterTick(tickCtx, s)
	})

	if !e.publishSession(s) {
		s.poll.Stop()
		capture.Release()
		e.endDirectorySession(id)
		return "", ErrSessionActive
	}

	e.log.Info("broadcast started", "session_id", id, "title", title, "category", category)
	return id, nil
}

// Join connects to an existing broadcast as a viewer.
//
// It returns (false, nil) when a join is already in flight or the same
// session is already live, and (false, ErrSessionActive) when a different
// session is non-terminal. The side-channel is created before the offer so
// it is part of the initial negotiation.
func (e *Engine) Join(ctx context.Context, sessionID string) (bool, error) {
	e.mu.Lock()
	if e.joining {
		e.mu.Unlock()
		return false, nil
	}
	if e.sess != nil && !e.sess.status.Terminal() {
		same := e.sess.id == sessionID
		e.mu.Unlock()
		if same {
			return false, nil
		}
		return false, ErrSessionActive
	}
	e.joining = true
	old := e.sess
	e.sess = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
	}()
	e.closeSession(old)

	selfID := uuid.NewString()
	s := &session{
		id:        sessionID,
		role:      RoleViewer,
		status:    StatusConnecting,
		createdAt: time.Now(),
		selfID:    selfID,
		links:     newSupervisor(),
		pending:   newPendingQueue(e.cfg.PendingBufferSize),
	}

	pc, err := e.api.NewPeerConnection(rtc.PeerConfiguration(e.cfg))
	if err != nil {
		return false, fmt.Errorf("new peer connection: %w", err)
	}

	link := newPeerLink(broadcasterParticipant, pc, e.newChatLimiter(), e.metrics, e.log, linkCallbacks{
		onLocalCandidate: func(init webrtc.ICECandidateInit) {
			go e.pushCandidate(s, "", init)
		},
		onStateChange: func(pl *PeerLink, st LinkState) {
			switch {
			case st == LinkConnected:
				e.setStatus(s, StatusActive)
			case st == LinkFailed:
				e.streamEnded(s, StatusFailed)
			case st.Terminal():
				e.streamEnded(s, StatusEnded)
			}
		},
		onEnvelope: func(pl *PeerLink, env signal.Envelope) {
			e.viewerInbound(s, env)
		},
	})

	fail := func(err error) (bool, error) {
		link.Close()
		return false, err
	}

	// Ordering constraint: the side-channel must exist before the local
	// description is generated or it is never negotiated.
	dc, err := pc.CreateDataChannel(sideChannelLabel, nil)
	if err != nil {
		return fail(fmt.Errorf("create side-channel: %w", err))
	}
	link.attachChannel(dc)

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.dispatchTrack(s, track, receiver)
	})

	// Receive-only transceivers declare intent for both kinds up front.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(fmt.Errorf("add audio transceiver: %w", err))
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(fmt.Errorf("add video transceiver: %w", err))
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail(errors.New("missing local description"))
	}
	if err := e.dir.Join(ctx, sessionID, selfID, signal.EncodeSDP(*local)); err != nil {
		return fail(fmt.Errorf("join session: %w", err))
	}

	s.links.add(link)
	s.poll = startPollLoop(e.cfg.PollInterval, e.cfg.RPCTimeout, func(tickCtx context.Context) {
		e.viewerTick(tickCtx, s)
	})

	if !e.publishSession(s) {
		s.poll.Stop()
		link.Close()
		return false, ErrSessionActive
	}

	// Gathered candidates stay buffered until the answer is applied; see
	// viewerTick. Releasing them earlier would let the broadcaster drain
	// them before it has processed this viewer's offer.

	e.log.Info("joined broadcast", "session_id", sessionID, "participant_id", selfID)
	return true, nil
}

// End finishes a broadcast. Only meaningful for the broadcaster role; it
// notifies viewers, removes the directory session, and leaves the session
// slot in Ended.
func (e *Engine) End() bool {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.role != RoleBroadcaster || s.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	s.status = StatusEnded
	e.mu.Unlock()

	if env, err := signal.NewEnvelope(signal.KindStreamEnd, s.selfID, nil); err == nil {
		s.links.broadcast(env)
	}
	e.endDirectorySession(s.id)
	e.closeSession(s)

	e.log.Info("broadcast ended", "session_id", s.id)
	return true
}

// Teardown releases everything and returns the engine to Idle. Idempotent,
// safe at any point, including concurrently with start/join.
func (e *Engine) Teardown() {
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	e.mu.Unlock()
	e.closeSession(s)
}

// SendChat sends an application chat message. Broadcaster sends fan out to
// every open side-channel and are also delivered to the local chat handler;
// viewer sends travel only to the broadcaster.
func (e *Engine) SendChat(data any) error {
	s := e.currentSession()
	if s == nil || s.status.Terminal() {
		return ErrNoSession
	}
	env, err := signal.NewEnvelope(signal.KindChat, s.selfID, data)
	if err != nil {
		return err
	}

	if s.role == RoleBroadcaster {
		s.links.broadcast(env)
		e.deliver(s, env)
		return nil
	}

	link := s.links.get(broadcasterParticipant)
	if link == nil {
		return ErrNoSession
	}
	return link.SendEnvelope(env)
}

// SendTyping publishes a typing indicator.
func (e *Engine) SendTyping(isTyping bool) error {
	s := e.currentSession()
	if s == nil || s.status.Terminal() {
		return ErrNoSession
	}
	env, err := signal.NewEnvelope(signal.KindTyping, s.selfID, signal.TypingData{
		ParticipantID: s.selfID,
		IsTyping:      isTyping,
	})
	if err != nil {
		return err
	}

	if s.role == RoleBroadcaster {
		s.links.broadcast(env)
		return nil
	}
	link := s.links.get(broadcasterParticipant)
	if link == nil {
		return ErrNoSession
	}
	return link.SendEnvelope(env)
}

// publishSession installs s as the engine's session if the slot is still
// free. A Teardown that raced the setup wins.
func (e *Engine) publishSession(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && !e.sess.status.Terminal() {
		return false
	}
	e.sess = s
	// With handlers already attached there is nothing to replay; retire the
	// buffer so deliveries go straight to dispatch.
	if e.handlersSet {
		s.pending.Drain()
	}
	return true
}

// closeSession releases a session's resources exactly once. It never blocks
// on the poll goroutine.
func (e *Engine) closeSession(s *session) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.poll != nil {
			s.poll.Stop()
		}
		// Best-effort goodbye so the broadcaster can retire the link without
		// waiting for the connection state to decay.
		if s.role == RoleViewer {
			if env, err := signal.NewEnvelope(signal.KindViewerLeave, s.selfID, nil); err == nil {
				s.links.broadcast(env)
			}
		}
		s.links.closeAll()
		s.capture.Release()
	})
}

func (e *Engine) setStatus(s *session, st Status) {
	e.mu.Lock()
	if e.sess == s && !s.status.Terminal() {
		s.status = st
	}
	e.mu.Unlock()
}

// streamEnded finishes a viewer session: one stream-ended notice, resources
// released, session slot left in its terminal status.
func (e *Engine) streamEnded(s *session, st Status) {
	e.mu.Lock()
	stale := e.sess != s
	if !stale && !s.status.Terminal() {
		s.status = st
	}
	e.mu.Unlock()
	if stale {
		e.metrics.Inc(metrics.StaleResultDiscarded)
		return
	}

	e.closeSession(s)
	s.endNoticeOnce.Do(func() {
		h, ok := e.handlersSnapshot()
		if ok && h.OnStreamEnded != nil {
			e.dispatch.run(h.OnStreamEnded)
		}
	})
}

func (e *Engine) handlersSnapshot() (Handlers, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers, e.handlersSet
}

// deliver hands an inbound application message to the consumer, buffering it
// until handlers have attached and the buffer has been replayed.
//
// The dispatcher is never entered while e.mu is held, and it tolerates
// reentrancy, so handlers may call back into the engine.
func (e *Engine) deliver(s *session, env signal.Envelope) {
	e.mu.Lock()
	stale := e.sess != s
	h := e.handlers
	set := e.handlersSet
	e.mu.Unlock()
	if stale {
		e.metrics.Inc(metrics.StaleResultDiscarded)
		return
	}

	if !set || !s.pending.Retired() {
		if s.pending.Append(env) {
			e.metrics.Inc(metrics.PendingBuffered)
			return
		}
		if !s.pending.Retired() {
			e.metrics.Inc(metrics.PendingOverflow)
			return
		}
		// Retired between the check and the append: the replay just
		// finished, fall through to live dispatch.
	}

	e.dispatch.run(func() { dispatchEnvelope(h, env) })
}

func (e *Engine) dispatchTrack(s *session, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if e.currentSession() != s {
		return
	}
	h, ok := e.handlersSnapshot()
	if !ok || h.OnStreamReceived == nil {
		return
	}
	e.dispatch.run(func() { h.OnStreamReceived(track, receiver) })
}

func (e *Engine) notifyViewerCount(s *session) {
	count := s.links.count()
	h, ok := e.handlersSnapshot()
	if !ok || h.OnViewerCountChanged == nil {
		return
	}
	e.dispatch.run(func() { h.OnViewerCountChanged(count) })
}

func (e *Engine) newChatLimiter() *ratelimit.MessageLimiter {
	rate := e.cfg.ChatMessagesPerSecond
	return ratelimit.NewMessageLimiter(e.clock, rate, rate)
}

// pushCandidate submits a locally gathered candidate to the directory,
// bounded by the RPC timeout and discarded if the session changed.
func (e *Engine) pushCandidate(s *session, targetID string, init webrtc.ICECandidateInit) {
	if e.currentSession() != s {
		e.metrics.Inc(metrics.StaleResultDiscarded)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RPCTimeout)
	defer cancel()

	err := e.dir.SendCandidate(ctx, s.id, directory.CandidateItem{
		SenderID: s.selfID,
		TargetID: targetID,
		Payload:  signal.EncodeCandidate(init),
	})
	if err != nil {
		e.log.Warn("push candidate failed", "session_id", s.id, "err", err)
	}
}

func (e *Engine) endDirectorySession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RPCTimeout)
	defer cancel()
	if err := e.dir.End(ctx, id); err != nil && !errors.Is(err, directory.ErrSessionNotFound) {
		e.log.Warn("directory end failed", "session_id", id, "err", err)
	}
}
