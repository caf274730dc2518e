// Package rtc constructs the pion API shared by all peer links of a session.
package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/livecast-io/livecast/internal/config"
)

// NewAPI builds a webrtc.API honoring the engine's network configuration.
// This does not start any networking; ICE sockets are only created once
// PeerConnections are constructed.
func NewAPI(cfg config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
	if err := applyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
	), nil
}

func applyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}

// PeerConfiguration translates configured ICE server URLs into a pion
// Configuration.
func PeerConfiguration(cfg config.Config) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}
