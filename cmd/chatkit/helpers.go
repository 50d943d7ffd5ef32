package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/campusdesk/chatkit"
)

// newLogger builds the console logger for the configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.Default.LogLevel)); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// getClient creates a client from the resolved config. With requireAuth it
// fails when no token is configured.
func getClient(requireAuth bool) (*chatkit.Client, *Config, zerolog.Logger, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)
	if requireAuth && cfg.Auth.Token == "" {
		return nil, nil, log, fmt.Errorf("not signed in; run 'chatkit login <email>' first")
	}

	opts := []chatkit.ClientOption{chatkit.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatkit.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatkit.NewClient(cfg.Auth.Token, opts...), cfg, log, nil
}

// identity returns the signed-in identity stored in cfg.
func identity(cfg *Config) (chatkit.Identity, error) {
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return chatkit.Identity{}, fmt.Errorf("no identity configured; run 'chatkit login <email>' first")
	}
	return chatkit.Identity{
		UserID:   cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Token:    cfg.Auth.Token,
	}, nil
}

// realtimeConfig maps the [realtime] section onto the transport config.
func realtimeConfig(cfg *Config, log *zerolog.Logger) (*chatkit.RealtimeConfig, error) {
	rc := &chatkit.RealtimeConfig{
		AutoReconnect:        cfg.Realtime.AutoReconnect,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Logger:               log,
	}
	if cfg.Realtime.HeartbeatInterval != "" {
		d, err := time.ParseDuration(cfg.Realtime.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid realtime.heartbeat_interval: %w", err)
		}
		rc.HeartbeatInterval = d
	}
	return rc, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// peerName returns the display name of the other participant.
func peerName(c chatkit.Conversation, selfID string) string {
	p, ok := c.Peer(selfID)
	if !ok {
		return "(unknown)"
	}
	return valueOrDefault(p.Name, p.ID)
}

// statusTick renders a message status the way the chat view does.
func statusTick(s chatkit.MessageStatus) string {
	switch s {
	case chatkit.StatusSending:
		return "…"
	case chatkit.StatusSent:
		return "✓"
	case chatkit.StatusDelivered:
		return "✓✓"
	case chatkit.StatusRead:
		return "✓✓ read"
	}
	return string(s)
}

// tokenExpiry reads the exp claim without verifying the signature. The server
// is the authority; this only feeds the status display.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// maskKey shows the first and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
