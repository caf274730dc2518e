// Package media abstracts local audio/video capture.
//
// The engine never talks to capture hardware directly; it acquires a track
// set from a Source and releases it exactly once on teardown. Real device
// capture lives behind the Source interface so the engine and its tests can
// run headless.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied maps capture permission failures.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound indicates no capture device matched the constraints.
	ErrDeviceNotFound = errors.New("media: device not found")
	// ErrDeviceBusy indicates the capture device is held by another process.
	ErrDeviceBusy = errors.New("media: device busy")
)

// Constraints requests capture parameters. Zero values mean "source default".
type Constraints struct {
	Width            int
	Height           int
	FrameRate        int
	EchoCancellation bool
	NoiseSuppression bool
}

// Source produces local capture tracks.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Capture, error)
}

// Capture owns an acquired track set. Release is idempotent.
type Capture struct {
	tracks  []webrtc.TrackLocal
	release sync.Once
	stop    func()
}

func NewCapture(tracks []webrtc.TrackLocal, stop func()) *Capture {
	return &Capture{tracks: tracks, stop: stop}
}

func (c *Capture) Tracks() []webrtc.TrackLocal {
	if c == nil {
		return nil
	}
	return c.tracks
}

func (c *Capture) Release() {
	if c == nil {
		return
	}
	c.release.Do(func() {
		if c.stop != nil {
			c.stop()
		}
	})
}
