// Package signal models the wire surface of the signaling exchange: SDP and
// ICE candidate payloads carried through the directory, and the application
// envelope carried over an established side-channel.
//
// Payloads are opaque JSON text. Decoding is tolerant: malformed input yields
// ok=false, never a panic or an error the caller has to classify. A message
// that fails to decode is dropped by the caller; with a polling transport
// duplication and garbage are expected, not exceptional.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind tags a signaling or application message.
type Kind string

const (
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindCandidate   Kind = "candidate"
	KindViewerJoin  Kind = "viewer_join"
	KindViewerLeave Kind = "viewer_leave"
	KindStreamEnd   Kind = "stream_end"
	KindHeartbeat   Kind = "heartbeat"
	KindChat        Kind = "chat"
	KindTyping      Kind = "typing"
	KindUserJoin    Kind = "user_join"
	KindUserLeave   Kind = "user_leave"
)

// SDP is a minimal, JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors webrtc.ICECandidateInit in a stable wire shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// EncodeSDP renders a description as opaque payload text.
func EncodeSDP(desc webrtc.SessionDescription) string {
	data, err := json.Marshal(SDPFromPion(desc))
	if err != nil {
		// SDP wire structs contain only strings; Marshal cannot fail.
		return ""
	}
	return string(data)
}

// DecodeSDP parses an opaque payload into a session description.
func DecodeSDP(payload string) (webrtc.SessionDescription, bool) {
	var s SDP
	if err := decodeStrict([]byte(payload), &s); err != nil {
		return webrtc.SessionDescription{}, false
	}
	desc, err := s.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, false
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, false
	}
	return desc, true
}

// EncodeCandidate renders an ICE candidate as opaque payload text.
func EncodeCandidate(init webrtc.ICECandidateInit) string {
	data, err := json.Marshal(CandidateFromPion(init))
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeCandidate parses an opaque payload into an ICE candidate.
func DecodeCandidate(payload string) (webrtc.ICECandidateInit, bool) {
	var c Candidate
	if err := decodeStrict([]byte(payload), &c); err != nil {
		return webrtc.ICECandidateInit{}, false
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, false
	}
	return c.ToPion(), true
}

// Envelope wraps an application-level message (chat, typing, presence) sent
// over a side-channel.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope wraps data under kind with the current timestamp.
func NewEnvelope(kind Kind, senderID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", kind, err)
	}
	return Envelope{
		Kind:      kind,
		Data:      raw,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (e Envelope) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

func (e Envelope) validate() bool {
	switch e.Kind {
	case KindChat, KindTyping, KindUserJoin, KindUserLeave, KindStreamEnd, KindHeartbeat, KindViewerLeave:
		return true
	default:
		return false
	}
}

// DecodeEnvelope parses an inbound side-channel frame.
func DecodeEnvelope(data []byte) (Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, false
	}
	if !e.validate() {
		return Envelope{}, false
	}
	return e, true
}

// TypingData is the payload carried by KindTyping envelopes.
type TypingData struct {
	ParticipantID string `json:"participantId"`
	IsTyping      bool   `json:"isTyping"`
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
