package media

import (
	"context"
	"testing"
)

func TestSyntheticSource_AcquireAndRelease(t *testing.T) {
	cap, err := SyntheticSource{}.Acquire(context.Background(), Constraints{Width: 1280, Height: 720})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := len(cap.Tracks()); n != 2 {
		t.Fatalf("expected audio+video tracks, got %d", n)
	}

	// Release must be idempotent.
	cap.Release()
	cap.Release()
}

func TestSyntheticSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (SyntheticSource{}).Acquire(ctx, Constraints{}); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}

func TestCapture_ReleaseStopsOnce(t *testing.T) {
	stops := 0
	cap := NewCapture(nil, func() { stops++ })
	cap.Release()
	cap.Release()
	if stops != 1 {
		t.Fatalf("stop invoked %d times, want 1", stops)
	}
}

func TestCapture_NilSafe(t *testing.T) {
	var cap *Capture
	cap.Release()
	if cap.Tracks() != nil {
		t.Fatalf("expected nil tracks")
	}
}
