package engine

import (
	"testing"

	"github.com/livecast-io/livecast/internal/signal"
)

func chatEnv(t *testing.T, text string) signal.Envelope {
	t.Helper()
	env, err := signal.NewEnvelope(signal.KindChat, "peer", map[string]string{"text": text})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestPendingQueueOrderAndOverflow(t *testing.T) {
	q := newPendingQueue(2)

	if !q.Append(chatEnv(t, "a")) || !q.Append(chatEnv(t, "b")) {
		t.Fatalf("appends under capacity rejected")
	}
	if q.Append(chatEnv(t, "c")) {
		t.Fatalf("append over capacity accepted")
	}

	out := q.Drain()
	if len(out) != 2 {
		t.Fatalf("drained %d messages, want 2", len(out))
	}
	for i, want := range []string{"a", "b"} {
		got := chatEnv(t, want)
		if string(out[i].Data) != string(got.Data) {
			t.Fatalf("message %d = %s, want %s", i, out[i].Data, got.Data)
		}
	}
}

func TestPendingQueueRetiresAfterDrain(t *testing.T) {
	q := newPendingQueue(4)
	q.Append(chatEnv(t, "a"))

	if got := q.Drain(); len(got) != 1 {
		t.Fatalf("first drain returned %d messages, want 1", len(got))
	}
	if !q.Retired() {
		t.Fatalf("queue not retired after drain")
	}
	if q.Append(chatEnv(t, "late")) {
		t.Fatalf("append after retirement accepted")
	}
	if got := q.Drain(); len(got) != 0 {
		t.Fatalf("second drain returned %d messages, want 0", len(got))
	}
}
