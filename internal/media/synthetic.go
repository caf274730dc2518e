package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SyntheticSource produces static sample tracks without touching capture
// hardware. Used by the headless CLI and the engine's tests; the tracks carry
// no frames until a caller writes samples to them.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	return NewCapture([]webrtc.TrackLocal{audio, video}, nil), nil
}
