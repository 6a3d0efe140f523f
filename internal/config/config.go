package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the on-disk TOML configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Identity IdentityConfig `toml:"identity"`
	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Undo     UndoConfig     `toml:"undo"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// IdentityConfig names the signed-in user and this device. An empty user
// keeps the service signed out; an empty device id is generated and persisted.
type IdentityConfig struct {
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

// RemoteConfig points at the remote document API. An empty URL runs local-only.
type RemoteConfig struct {
	URL               string `toml:"url"`
	Token             string `toml:"token"`
	CollectionsPrefix string `toml:"collections_prefix"`
	Timeout           string `toml:"timeout"`
}

type SyncConfig struct {
	ManualFields        []string `toml:"manual_fields"`
	RetryInitialBackoff string   `toml:"retry_initial_backoff"`
	RetryMaxBackoff     string   `toml:"retry_max_backoff"`
	MaxPushAttempts     int      `toml:"max_push_attempts"`
	ReconnectInterval   string   `toml:"reconnect_interval"`
	ReconnectBurst      int      `toml:"reconnect_burst"`
}

type UndoConfig struct {
	Window     string `toml:"window"`
	MaxVisible int    `toml:"max_visible"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type LoggingConfig struct {
	Level   string           `toml:"level"`
	DevFile DevFileLogConfig `toml:"dev_file"`
}

type DevFileLogConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Default returns the built-in configuration rooted at dbPath.
func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Remote: RemoteConfig{
			Timeout: "15s",
		},
		Sync: SyncConfig{
			ManualFields:        []string{"status"},
			RetryInitialBackoff: "1s",
			RetryMaxBackoff:     "1m",
			MaxPushAttempts:     5,
			ReconnectInterval:   "2s",
			ReconnectBurst:      3,
		},
		Undo: UndoConfig{
			Window:     "10s",
			MaxVisible: 3,
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:5437",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileLogConfig{
				Enabled: true,
				Dir:     ".tandem/log",
			},
		},
	}
}

// Load decodes path over defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}

	if raw := strings.TrimSpace(c.Remote.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid remote.url: %q", c.Remote.URL)
		}
	}
	durations := []struct {
		name  string
		value string
	}{
		{"remote.timeout", c.Remote.Timeout},
		{"sync.retry_initial_backoff", c.Sync.RetryInitialBackoff},
		{"sync.retry_max_backoff", c.Sync.RetryMaxBackoff},
		{"sync.reconnect_interval", c.Sync.ReconnectInterval},
		{"undo.window", c.Undo.Window},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	if initial, maxBackoff := c.RetryBackoff(); maxBackoff > 0 && initial > maxBackoff {
		return errors.New("sync.retry_initial_backoff must not exceed sync.retry_max_backoff")
	}
	if c.Sync.MaxPushAttempts < 0 {
		return errors.New("sync.max_push_attempts must be >= 0")
	}
	if c.Sync.ReconnectBurst < 0 {
		return errors.New("sync.reconnect_burst must be >= 0")
	}
	for i, field := range c.Sync.ManualFields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("sync.manual_fields[%d] is empty", i)
		}
	}
	if c.Undo.MaxVisible < 0 {
		return errors.New("undo.max_visible must be >= 0")
	}

	if _, err := charmLog.ParseLevel(strings.TrimSpace(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// RemoteTimeout returns the per-call remote timeout; zero means the client default.
func (c Config) RemoteTimeout() time.Duration {
	d, _ := parseDuration(c.Remote.Timeout)
	return d
}

// RetryBackoff returns the initial and maximum push retry delays.
func (c Config) RetryBackoff() (time.Duration, time.Duration) {
	initial, _ := parseDuration(c.Sync.RetryInitialBackoff)
	maxBackoff, _ := parseDuration(c.Sync.RetryMaxBackoff)
	return initial, maxBackoff
}

// ReconnectInterval returns the minimum spacing between feed reconnects.
func (c Config) ReconnectInterval() time.Duration {
	d, _ := parseDuration(c.Sync.ReconnectInterval)
	return d
}

// UndoWindow returns how long an undo offer stays visible.
func (c Config) UndoWindow() time.Duration {
	d, _ := parseDuration(c.Undo.Window)
	return d
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}

// EnsureConfigDir creates the parent directory of path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// UpsertDeviceID persists identity.device_id, keeping every other key in the file.
func UpsertDeviceID(path, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return errors.New("device id is required")
	}
	doc := map[string]any{}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(content, &doc); err != nil {
			return fmt.Errorf("decode toml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read config: %w", err)
	}
	identity, _ := doc["identity"].(map[string]any)
	if identity == nil {
		identity = map[string]any{}
	}
	identity["device_id"] = deviceID
	doc["identity"] = identity

	encoded, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
