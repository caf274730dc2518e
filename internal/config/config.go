// Package config loads engine configuration from environment variables with
// command-line flag overrides, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarDirectoryURL = "LIVECAST_DIRECTORY_URL"
	envVarLogFormat    = "LIVECAST_LOG_FORMAT"
	envVarLogLevel     = "LIVECAST_LOG_LEVEL"
	envVarICEServers   = "LIVECAST_ICE_SERVERS"

	envVarPollInterval = "LIVECAST_POLL_INTERVAL"
	envVarRPCTimeout   = "LIVECAST_RPC_TIMEOUT"
	envVarMaxViewers   = "LIVECAST_MAX_VIEWERS"

	envVarChatMessagesPerSecond = "LIVECAST_CHAT_MESSAGES_PER_SECOND"
	envVarPendingBufferSize     = "LIVECAST_PENDING_BUFFER_SIZE"
	envVarHeartbeatInterval     = "LIVECAST_HEARTBEAT_INTERVAL"

	envVarMediaWidth     = "LIVECAST_MEDIA_WIDTH"
	envVarMediaHeight    = "LIVECAST_MEDIA_HEIGHT"
	envVarMediaFrameRate = "LIVECAST_MEDIA_FRAME_RATE"

	envVarUDPPortMin = "LIVECAST_UDP_PORT_MIN"
	envVarUDPPortMax = "LIVECAST_UDP_PORT_MAX"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultPollInterval          = time.Second
	DefaultRPCTimeout            = 3 * time.Second
	DefaultMaxViewers            = 50
	DefaultChatMessagesPerSecond = 20
	DefaultPendingBufferSize     = 256
	DefaultHeartbeatInterval     = 15 * time.Second
	DefaultICEServer             = "stun:stun.l.google.com:19302"
)

// PortRange restricts the ephemeral UDP ports pion may bind.
type PortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	DirectoryURL string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ICEServers is a list of STUN/TURN URLs.
	ICEServers []string

	PollInterval time.Duration
	RPCTimeout   time.Duration
	MaxViewers   int

	ChatMessagesPerSecond int
	PendingBufferSize     int
	HeartbeatInterval     time.Duration

	MediaWidth     int
	MediaHeight    int
	MediaFrameRate int

	UDPPortRange *PortRange
}

// Load parses configuration from the environment, applying flag overrides
// from args. Flags win over environment variables.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		LogFormat:             LogFormatText,
		LogLevel:              slog.LevelInfo,
		ICEServers:            []string{DefaultICEServer},
		PollInterval:          DefaultPollInterval,
		RPCTimeout:            DefaultRPCTimeout,
		MaxViewers:            DefaultMaxViewers,
		ChatMessagesPerSecond: DefaultChatMessagesPerSecond,
		PendingBufferSize:     DefaultPendingBufferSize,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		MediaWidth:            1280,
		MediaHeight:           720,
		MediaFrameRate:        30,
	}

	cfg.DirectoryURL = envOrDefault(lookup, envVarDirectoryURL, cfg.DirectoryURL)

	if v, ok := lookup(envVarLogFormat); ok && v != "" {
		cfg.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(envVarLogLevel); ok && v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}
	if v, ok := lookup(envVarICEServers); ok && strings.TrimSpace(v) != "" {
		cfg.ICEServers = splitAndTrim(v)
	}

	var err error
	if cfg.PollInterval, err = envDurationOrDefault(lookup, envVarPollInterval, cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.RPCTimeout, err = envDurationOrDefault(lookup, envVarRPCTimeout, cfg.RPCTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDurationOrDefault(lookup, envVarHeartbeatInterval, cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxViewers, err = envIntOrDefault(lookup, envVarMaxViewers, cfg.MaxViewers); err != nil {
		return Config{}, err
	}
	if cfg.ChatMessagesPerSecond, err = envIntOrDefault(lookup, envVarChatMessagesPerSecond, cfg.ChatMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.PendingBufferSize, err = envIntOrDefault(lookup, envVarPendingBufferSize, cfg.PendingBufferSize); err != nil {
		return Config{}, err
	}
	if cfg.MediaWidth, err = envIntOrDefault(lookup, envVarMediaWidth, cfg.MediaWidth); err != nil {
		return Config{}, err
	}
	if cfg.MediaHeight, err = envIntOrDefault(lookup, envVarMediaHeight, cfg.MediaHeight); err != nil {
		return Config{}, err
	}
	if cfg.MediaFrameRate, err = envIntOrDefault(lookup, envVarMediaFrameRate, cfg.MediaFrameRate); err != nil {
		return Config{}, err
	}

	portMin, err := envIntOrDefault(lookup, envVarUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}
	if portMin != 0 || portMax != 0 {
		if portMin <= 0 || portMax <= 0 || portMin > portMax || portMax > 65535 {
			return Config{}, fmt.Errorf("invalid udp port range %d-%d", portMin, portMax)
		}
		cfg.UDPPortRange = &PortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	fs := flag.NewFlagSet("livecast", flag.ContinueOnError)
	fs.StringVar(&cfg.DirectoryURL, "directory-url", cfg.DirectoryURL, "base URL of the signaling directory")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "signaling poll interval")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "per-RPC timeout for directory calls")
	fs.IntVar(&cfg.MaxViewers, "max-viewers", cfg.MaxViewers, "maximum concurrent viewers for a broadcast")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(*logFormat)))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.MaxViewers <= 0 {
		return fmt.Errorf("max viewers must be positive, got %d", c.MaxViewers)
	}
	if c.PendingBufferSize <= 0 {
		return fmt.Errorf("pending buffer size must be positive, got %d", c.PendingBufferSize)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
