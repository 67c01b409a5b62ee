// Package app wires the call client together: configuration, logging,
// media backend, signaling, storage and the call controller.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/session"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/util"
)

// Options carries what main resolved from the command line.
type Options struct {
	// DataDir is the client's working directory: config, chat database.
	DataDir string

	CfgPath string
	Cfg     config.Config

	// Room and Username, when set, make Run join immediately instead of
	// waiting for a join command.
	Room     string
	Username string
}

// Run starts the client and blocks until ctx is cancelled or the command
// loop exits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevel(cfg.Log.Level)

	// ── Media backend
	device, err := media.NewPlatformDevice()
	if err != nil {
		return fmt.Errorf("media backend: %w", err)
	}
	mediaSvc := media.NewService(device)

	// ── Peer connection factory
	var populate rtc.MediaEnginePopulator
	if pop, ok := device.(interface{ PopulateMediaEngine(*webrtc.MediaEngine) }); ok {
		populate = func(me *webrtc.MediaEngine) error {
			pop.PopulateMediaEngine(me)
			return nil
		}
	}
	factory := rtc.NewPionFactory(rtc.Config{
		STUNServers:          config.SplitSTUNServers(cfg.WebRTC.STUNServers),
		ICECandidatePoolSize: cfg.WebRTC.ICECandidatePoolSize,
	}, populate)

	// ── Signaling channel
	client, err := signal.NewClient(signal.Options{
		URL:               cfg.Signal.ServerURL,
		DialTimeout:       time.Duration(cfg.Signal.TimeoutSec) * time.Second,
		ReconnectAttempts: cfg.Signal.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Signal.ReconnectDelaySec) * time.Second,
		ErrorRetryDelay:   time.Duration(cfg.Signal.ErrorRetryDelaySec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("signaling client: %w", err)
	}

	// ── Chat history (optional; empty path keeps chat in memory only)
	var history *chat.History
	if cfg.Chat.HistoryPath != "" {
		history, err = chat.Open(util.ResolvePath(opt.DataDir, cfg.Chat.HistoryPath), cfg.Chat.BufferSize)
		if err != nil {
			return fmt.Errorf("chat history: %w", err)
		}
		defer history.Close()
	}

	// ── Session store + controller
	store := session.NewStore()
	ctrl := call.NewController(store, client, mediaSvc, factory, history, call.ControllerOptions{
		ScreenQuality:   media.QualityPreset(cfg.Media.ScreenQuality),
		ScreenFrameRate: cfg.Media.ScreenFrameRate,
		ScreenAudio:     cfg.Media.ScreenAudio,
		KeepAlive:       time.Duration(cfg.Signal.KeepAliveSec) * time.Second,
	})
	defer ctrl.Close()

	// ── Config hot reload (log level only; everything else needs a restart)
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if next.Log.Level != cfg.Log.Level {
			log.Printf("APP: log level changed to %s", next.Log.Level)
			applyLogLevel(next.Log.Level)
		}
		cfg = next
	})
	if err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if opt.Room != "" && opt.Username != "" {
		if err := ctrl.JoinRoom(ctx, opt.Room, opt.Username); err != nil {
			return fmt.Errorf("join %s: %w", opt.Room, err)
		}
	}

	return commandLoop(ctx, ctrl, store)
}

// applyLogLevel sets the level on every subsystem logger.
func applyLogLevel(level string) {
	if level == "" {
		level = "info"
	}
	for _, name := range []string{"media", "signal", "rtc", "call"} {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Printf("APP: log level %q on %s: %v", level, name, err)
		}
	}
}
