package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/directory"
	"github.com/livecast-io/livecast/internal/engine"
)

var (
	// Set via -ldflags at build time. May be empty in local/dev builds.
	buildCommit = ""
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  livecast broadcast [-title T] [-category C] [-description D] [flags]
  livecast watch -session ID [flags]

Common flags (also settable via LIVECAST_* environment variables):
  -directory-url URL   base URL of the signaling directory
  -poll-interval D     signaling poll interval
  -log-format F        text or json
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	args := os.Args[2:]

	var (
		title       string
		description string
		category    string
		sessionID   string
	)
	switch sub {
	case "broadcast":
		args, title, description, category = splitBroadcastFlags(args)
	case "watch":
		args, sessionID = splitWatchFlags(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.DirectoryURL == "" {
		fmt.Fprintln(os.Stderr, "a directory URL is required (-directory-url or LIVECAST_DIRECTORY_URL)")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting livecast",
		"subcommand", sub,
		"directory_url", cfg.DirectoryURL,
		"poll_interval", cfg.PollInterval,
		"max_viewers", cfg.MaxViewers,
		"commit", resolveCommit(buildCommit),
	)

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Logger:    logger,
		Directory: directory.NewClient(cfg.DirectoryURL, nil),
	})
	if err != nil {
		logger.Error("failed to construct engine", "err", err)
		os.Exit(2)
	}
	defer eng.Teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch sub {
	case "broadcast":
		err = runBroadcast(ctx, eng, logger, title, description, category)
	case "watch":
		err = runWatch(ctx, eng, logger, sessionID)
	}
	if err != nil {
		logger.Error("exiting with error", "err", err)
		eng.Teardown()
		os.Exit(1)
	}
}

func runBroadcast(ctx context.Context, eng *engine.Engine, logger *slog.Logger, title, description, category string) error {
	eng.SetEventHandlers(engine.Handlers{
		OnViewerCountChanged: func(count int) {
			logger.Info("viewer count changed", "count", count)
		},
		OnChatMessage: func(senderID string, data json.RawMessage) {
			logger.Info("chat", "sender_id", senderID, "data", string(data))
		},
		OnUserJoined: func(data json.RawMessage) {
			logger.Info("viewer joined", "data", string(data))
		},
		OnUserLeft: func(data json.RawMessage) {
			logger.Info("viewer left", "data", string(data))
		},
	})

	id, err := eng.Start(ctx, title, description, category)
	if err != nil {
		return fmt.Errorf("start broadcast: %w", err)
	}
	logger.Info("broadcasting", "session_id", id)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	eng.End()
	return nil
}

func runWatch(ctx context.Context, eng *engine.Engine, logger *slog.Logger, sessionID string) error {
	if sessionID == "" {
		return errors.New("watch requires -session")
	}

	ended := make(chan struct{})
	eng.SetEventHandlers(engine.Handlers{
		OnStreamEnded: func() { close(ended) },
		OnChatMessage: func(senderID string, data json.RawMessage) {
			logger.Info("chat", "sender_id", senderID, "data", string(data))
		},
		OnTypingUpdate: func(participantID string, isTyping bool) {
			logger.Info("typing", "participant_id", participantID, "is_typing", isTyping)
		},
	})

	ok, err := eng.Join(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	if !ok {
		return errors.New("join did not begin (already joining?)")
	}
	logger.Info("watching", "session_id", sessionID)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-ended:
		logger.Info("broadcast ended")
	}
	return nil
}

// splitBroadcastFlags peels off broadcast-only flags so the remainder can be
// handed to config.Load.
func splitBroadcastFlags(args []string) (rest []string, title, description, category string) {
	rest, vals := peelFlags(args, []string{"title", "description", "category"})
	return rest, vals["title"], vals["description"], vals["category"]
}

func splitWatchFlags(args []string) (rest []string, sessionID string) {
	rest, vals := peelFlags(args, []string{"session"})
	return rest, vals["session"]
}

// peelFlags extracts "-name value" and "-name=value" pairs for the given
// names, leaving everything else for the shared flag set.
func peelFlags(args []string, names []string) ([]string, map[string]string) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	vals := make(map[string]string, len(names))
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || !wanted[name] {
			rest = append(rest, arg)
			continue
		}
		if hasInline {
			vals[name] = inline
			continue
		}
		if i+1 < len(args) {
			vals[name] = args[i+1]
			i++
		}
	}
	return rest, vals
}

func resolveCommit(commit string) string {
	if commit != "" {
		return commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}
