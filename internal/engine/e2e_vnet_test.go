package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/config"
)

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// TestBroadcastOverVirtualNetwork runs a full broadcaster/viewer handshake
// through the polling directory on a virtual network: join, answer,
// trickled candidates, side-channel chat both ways, then end-of-stream.
func TestBroadcastOverVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping virtual network test in short mode")
	}

	const (
		cidr        = "10.0.0.0/24"
		ipCaster    = "10.0.0.1"
		ipViewer    = "10.0.0.2"
		pollEvery   = 50 * time.Millisecond
		longTimeout = 30 * time.Second
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netCaster, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipCaster}})
	if err != nil {
		t.Fatalf("new caster net: %v", err)
	}
	netViewer, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipViewer}})
	if err != nil {
		t.Fatalf("new viewer net: %v", err)
	}
	if err := router.AddNet(netCaster); err != nil {
		t.Fatalf("add caster net: %v", err)
	}
	if err := router.AddNet(netViewer); err != nil {
		t.Fatalf("add viewer net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	dir := newFakeDirectory()
	cfg := config.Config{
		PollInterval:      pollEvery,
		RPCTimeout:        5 * time.Second,
		HeartbeatInterval: time.Hour,
	}

	caster, err := New(Options{Config: cfg, Logger: discardLogger(), Directory: dir, API: newVNetAPI(t, netCaster)})
	if err != nil {
		t.Fatalf("new caster engine: %v", err)
	}
	t.Cleanup(caster.Teardown)
	viewer, err := New(Options{Config: cfg, Logger: discardLogger(), Directory: dir, API: newVNetAPI(t, netViewer)})
	if err != nil {
		t.Fatalf("new viewer engine: %v", err)
	}
	t.Cleanup(viewer.Teardown)

	casterChat := make(chan string, 4)
	caster.SetEventHandlers(Handlers{
		OnChatMessage: func(senderID string, _ json.RawMessage) { casterChat <- senderID },
	})
	viewerChat := make(chan string, 4)
	viewerEnded := make(chan struct{}, 1)
	viewer.SetEventHandlers(Handlers{
		OnChatMessage: func(senderID string, _ json.RawMessage) { viewerChat <- senderID },
		OnStreamEnded: func() { viewerEnded <- struct{}{} },
	})

	sessionID, err := caster.Start(context.Background(), "vnet show", "", "test")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := viewer.Join(context.Background(), sessionID)
	if err != nil || !ok {
		t.Fatalf("Join = %v, %v", ok, err)
	}

	waitFor(t, longTimeout, func() bool { return viewer.Status() == StatusActive }, "viewer to connect")
	waitFor(t, longTimeout, func() bool { return caster.ViewerCount() == 1 }, "broadcaster to register viewer")

	// The side-channel opens shortly after the connection; retry the first
	// chat send until it does.
	waitFor(t, longTimeout, func() bool {
		err := viewer.SendChat(map[string]string{"text": "hello"})
		if err != nil && !errors.Is(err, ErrChannelNotOpen) {
			t.Fatalf("SendChat: %v", err)
		}
		return err == nil
	}, "side-channel to open")

	viewerSelf := viewer.currentSession().selfID

	// The broadcaster receives the chat and relays it back to every viewer,
	// the sender included.
	select {
	case sender := <-casterChat:
		if sender != viewerSelf {
			t.Fatalf("broadcaster saw chat from %q, want %q", sender, viewerSelf)
		}
	case <-time.After(longTimeout):
		t.Fatalf("broadcaster never received chat")
	}
	select {
	case sender := <-viewerChat:
		if sender != viewerSelf {
			t.Fatalf("viewer saw relayed chat from %q, want %q", sender, viewerSelf)
		}
	case <-time.After(longTimeout):
		t.Fatalf("viewer never received relayed chat")
	}

	// Broadcaster chat fans out to viewers.
	if err := caster.SendChat(map[string]string{"text": "welcome"}); err != nil {
		t.Fatalf("broadcaster SendChat: %v", err)
	}
	select {
	case sender := <-viewerChat:
		if want := caster.currentSession().selfID; sender != want {
			t.Fatalf("viewer saw broadcaster chat from %q, want %q", sender, want)
		}
	case <-time.After(longTimeout):
		t.Fatalf("viewer never received broadcaster chat")
	}

	if !caster.End() {
		t.Fatalf("End returned false")
	}
	select {
	case <-viewerEnded:
	case <-time.After(longTimeout):
		t.Fatalf("viewer never saw end of stream")
	}
	waitFor(t, longTimeout, func() bool { return viewer.Status().Terminal() }, "viewer to settle")
}
