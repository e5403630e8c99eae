// Package config loads user-facing TOML configuration and exposes the
// tunables the terminal engine needs at runtime.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config is user-facing configuration in TOML format.
type Config struct {
	// Terminal holds session engine tunables.
	Terminal TerminalSettings `toml:"terminal"`

	// Web holds HTTP/WebSocket server settings.
	Web WebSettings `toml:"web"`

	// Logs holds logging settings.
	Logs LogSettings `toml:"logs"`
}

// TerminalSettings are the session engine tunables. The kill timeout and
// coalescing interval match what interactive shells tolerate well; both are
// exposed rather than hard-coded.
type TerminalSettings struct {
	// MaxSessions is the maximum number of concurrent sessions (default: 12)
	MaxSessions int `toml:"max_sessions"`

	// CoalesceIntervalMs batches PTY output before fan-out (default: 16)
	CoalesceIntervalMs int `toml:"coalesce_interval_ms"`

	// KillGraceMs is the delay between SIGTERM and SIGKILL (default: 1000)
	KillGraceMs int `toml:"kill_grace_ms"`

	// ScrollbackLimitBytes caps the per-session replay buffer (default: 1MB)
	ScrollbackLimitBytes int `toml:"scrollback_limit_bytes"`

	// DefaultCols/DefaultRows size new sessions when the caller does not
	// specify dimensions (defaults: 80x24)
	DefaultCols int `toml:"default_cols"`
	DefaultRows int `toml:"default_rows"`
}

// WebSettings configure the HTTP surface.
type WebSettings struct {
	// ListenAddr is the HTTP listen address (default: 127.0.0.1:3042)
	ListenAddr string `toml:"listen_addr"`

	// Password, when set, gates every session operation behind a bearer
	// token obtained via the auth endpoint. Empty disables auth.
	Password string `toml:"password"`
}

// LogSettings configure structured logging.
type LogSettings struct {
	// Level is "debug", "info", "warn", or "error" (default: info)
	Level string `toml:"level"`

	// Format is "json" or "text" (default: json, text on a TTY)
	Format string `toml:"format"`
}

// WorkspaceDefaults are fixed engine timings not exposed in the TOML file.
const (
	// SaveDebounce is the quiet period before a layout save fires.
	SaveDebounce = 500 * time.Millisecond

	// CreateCooldown guards against duplicate spawns from double-invocation.
	CreateCooldown = 250 * time.Millisecond
)

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		Terminal: TerminalSettings{
			MaxSessions:          12,
			CoalesceIntervalMs:   16,
			KillGraceMs:          1000,
			ScrollbackLimitBytes: 1 << 20,
			DefaultCols:          80,
			DefaultRows:          24,
		},
		Web: WebSettings{
			ListenAddr: "127.0.0.1:3042",
		},
		Logs: LogSettings{
			Level: "info",
		},
	}
}

// Dir returns the automaker config directory, honoring AUTOMAKER_HOME.
func Dir() string {
	if dir := os.Getenv("AUTOMAKER_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automaker"
	}
	return filepath.Join(home, ".automaker")
}

// Path returns the config file path inside Dir.
func Path() string {
	return filepath.Join(Dir(), FileName)
}

// Load reads the config file at path, filling defaults for anything unset.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config as TOML, creating the parent directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// applyDefaults replaces zero values with documented defaults so a partial
// TOML file behaves the same as an absent one.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Terminal.MaxSessions <= 0 {
		c.Terminal.MaxSessions = d.Terminal.MaxSessions
	}
	if c.Terminal.CoalesceIntervalMs <= 0 {
		c.Terminal.CoalesceIntervalMs = d.Terminal.CoalesceIntervalMs
	}
	if c.Terminal.KillGraceMs <= 0 {
		c.Terminal.KillGraceMs = d.Terminal.KillGraceMs
	}
	if c.Terminal.ScrollbackLimitBytes <= 0 {
		c.Terminal.ScrollbackLimitBytes = d.Terminal.ScrollbackLimitBytes
	}
	if c.Terminal.DefaultCols <= 0 {
		c.Terminal.DefaultCols = d.Terminal.DefaultCols
	}
	if c.Terminal.DefaultRows <= 0 {
		c.Terminal.DefaultRows = d.Terminal.DefaultRows
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = d.Web.ListenAddr
	}
	if c.Logs.Level == "" {
		c.Logs.Level = d.Logs.Level
	}
}

// CoalesceInterval returns the coalescing interval as a duration.
func (t TerminalSettings) CoalesceInterval() time.Duration {
	return time.Duration(t.CoalesceIntervalMs) * time.Millisecond
}

// KillGrace returns the kill grace period as a duration.
func (t TerminalSettings) KillGrace() time.Duration {
	return time.Duration(t.KillGraceMs) * time.Millisecond
}
