package engine

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/signal"
)

// Handlers are the consumer-facing callbacks. Zero-value fields are skipped.
//
// Inbound chat/typing/presence messages that arrive before the first
// SetEventHandlers call are buffered and replayed, in order, when handlers
// attach. Media and count callbacks are live-only.
type Handlers struct {
	// OnStreamReceived fires once per remote track as it arrives.
	OnStreamReceived func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnStreamEnded    func()

	OnViewerCountChanged func(count int)

	OnChatMessage  func(senderID string, data json.RawMessage)
	OnUserJoined   func(data json.RawMessage)
	OnUserLeft     func(data json.RawMessage)
	OnTypingUpdate func(participantID string, isTyping bool)
}

// PresenceData is the payload of user_join/user_leave notices.
type PresenceData struct {
	ParticipantID string `json:"participantId"`
	ViewerCount   int    `json:"viewerCount"`
}

// dispatchEnvelope routes one application message to its handler. Unknown or
// control kinds fall through silently.
func dispatchEnvelope(h Handlers, env signal.Envelope) {
	switch env.Kind {
	case signal.KindChat:
		if h.OnChatMessage != nil {
			h.OnChatMessage(env.SenderID, env.Data)
		}
	case signal.KindTyping:
		if h.OnTypingUpdate != nil {
			var data signal.TypingData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return
			}
			if data.ParticipantID == "" {
				data.ParticipantID = env.SenderID
			}
			h.OnTypingUpdate(data.ParticipantID, data.IsTyping)
		}
	case signal.KindUserJoin:
		if h.OnUserJoined != nil {
			h.OnUserJoined(env.Data)
		}
	case signal.KindUserLeave:
		if h.OnUserLeft != nil {
			h.OnUserLeft(env.Data)
		}
	}
}
