package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatkit/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Username     string `toml:"username"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigRealtime tunes the WebSocket channel.
type ConfigRealtime struct {
	AutoReconnect        bool   `toml:"auto_reconnect"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
}

// envOverrides are read from the environment (and .env) on top of the file.
type envOverrides struct {
	Home     string `env:"CHATKIT_HOME"`
	BaseURL  string `env:"CHATKIT_BASE_URL"`
	Token    string `env:"CHATKIT_TOKEN"`
	LogLevel string `env:"CHATKIT_LOG_LEVEL"`
}

func readEnv() (envOverrides, error) {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("parse env config: %w", err)
	}
	return e, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// CHATKIT_HOME overrides the default ~/.chatkit.
func configDir() (string, error) {
	e, err := readEnv()
	if err != nil {
		return "", err
	}
	dir := e.Home
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatkit")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig loads the file and applies environment overrides. The result
// must not be saved back.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e, err := readEnv()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, e)
	return cfg, nil
}

func applyEnv(cfg *Config, e envOverrides) {
	if e.BaseURL != "" {
		cfg.Default.BaseURL = e.BaseURL
	}
	if e.Token != "" {
		cfg.Auth.Token = e.Token
	}
	if e.LogLevel != "" {
		cfg.Default.LogLevel = e.LogLevel
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auto_reconnect must be true or false: %w", err)
			}
			cfg.Realtime.AutoReconnect = b
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		case "heartbeat_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("heartbeat_interval must be a duration (e.g. 25s): %w", err)
			}
			cfg.Realtime.HeartbeatInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "chatkit",
	Short:        "Campus portal chat CLI",
	Long:         "Command-line interface for the campus portal direct-message chat.\nSign in, list conversations, send messages and watch the live channel.",
	SilenceUsage: true,
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
