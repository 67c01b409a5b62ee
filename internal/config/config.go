package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/peercall/internal/util"
)

type Config struct {
	Signal Signal `json:"signal"`
	WebRTC WebRTC `json:"webrtc"`
	Media  Media  `json:"media"`
	Chat   Chat   `json:"chat"`
	Log    Log    `json:"log"`
}

type Signal struct {
	// Socket server URL (ws:// or wss://).
	ServerURL string `json:"server_url"`

	// Handshake timeout in seconds.
	TimeoutSec int `json:"timeout_seconds"`

	// Number of automatic reconnect attempts before giving up.
	ReconnectAttempts int `json:"reconnect_attempts"`

	// Delay before a reconnect after a clean transport drop (seconds).
	ReconnectDelaySec int `json:"reconnect_delay_seconds"`

	// Delay before a reconnect after a dial/handshake error (seconds).
	ErrorRetryDelaySec int `json:"error_retry_delay_seconds"`

	// Keep-alive ping interval while in a call (seconds).
	KeepAliveSec int `json:"keepalive_seconds"`
}

type WebRTC struct {
	// Comma-separated STUN server URLs. Empty means the built-in default pair.
	STUNServers string `json:"stun_servers"`

	// ICE candidate pool size passed to the peer connection.
	ICECandidatePoolSize int `json:"ice_candidate_pool_size"`
}

type Media struct {
	// Default screen-capture quality preset: low, medium or high.
	ScreenQuality string `json:"screen_quality"`

	// Default screen-capture frame rate. 0 means the preset's rate.
	ScreenFrameRate int `json:"screen_frame_rate"`

	// Include system audio in screen capture by default.
	ScreenAudio bool `json:"screen_audio"`
}

type Chat struct {
	// Path to the chat history database, relative to the peer directory.
	// Empty disables persistence (in-memory ring only).
	HistoryPath string `json:"history_path"`

	// Number of messages kept in memory.
	BufferSize int `json:"buffer_size"`
}

type Log struct {
	// debug, info, warn or error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Signal: Signal{
			ServerURL:          "ws://127.0.0.1:3000/ws",
			TimeoutSec:         20,
			ReconnectAttempts:  5,
			ReconnectDelaySec:  2,
			ErrorRetryDelaySec: 3,
			KeepAliveSec:       30,
		},
		WebRTC: WebRTC{
			STUNServers:          "",
			ICECandidatePoolSize: 10,
		},
		Media: Media{
			ScreenQuality:   "medium",
			ScreenFrameRate: 30,
			ScreenAudio:     false,
		},
		Chat: Chat{
			HistoryPath: "data/chat.db",
			BufferSize:  100,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Signal
	su := strings.TrimSpace(c.Signal.ServerURL)
	if su == "" {
		return errors.New("signal.server_url is required")
	}
	u, err := url.Parse(su)
	if err != nil {
		return fmt.Errorf("signal.server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signal.server_url must use ws:// or wss://")
	}
	if u.Host == "" {
		return errors.New("signal.server_url must include a host")
	}
	if c.Signal.TimeoutSec <= 0 {
		return errors.New("signal.timeout_seconds must be > 0")
	}
	if c.Signal.ReconnectAttempts < 0 {
		return errors.New("signal.reconnect_attempts must be >= 0")
	}
	if c.Signal.ReconnectDelaySec <= 0 {
		return errors.New("signal.reconnect_delay_seconds must be > 0")
	}
	if c.Signal.ErrorRetryDelaySec <= 0 {
		return errors.New("signal.error_retry_delay_seconds must be > 0")
	}
	if c.Signal.KeepAliveSec <= 0 {
		return errors.New("signal.keepalive_seconds must be > 0")
	}

	// WebRTC
	for _, s := range SplitSTUNServers(c.WebRTC.STUNServers) {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("webrtc.stun_servers: %q must start with stun: or stuns:", s)
		}
	}
	if c.WebRTC.ICECandidatePoolSize < 0 || c.WebRTC.ICECandidatePoolSize > 255 {
		return errors.New("webrtc.ice_candidate_pool_size must be 0..255")
	}

	// Media
	switch c.Media.ScreenQuality {
	case "low", "medium", "high":
	default:
		return errors.New("media.screen_quality must be low, medium or high")
	}
	if c.Media.ScreenFrameRate < 0 || c.Media.ScreenFrameRate > 120 {
		return errors.New("media.screen_frame_rate must be 0..120")
	}

	// Chat
	if c.Chat.BufferSize <= 0 {
		return errors.New("chat.buffer_size must be > 0")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

// SplitSTUNServers splits a comma-separated STUN URL list, trimming whitespace
// and dropping empty entries. An empty input yields an empty slice; callers
// fall back to the built-in defaults in that case.
func SplitSTUNServers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
