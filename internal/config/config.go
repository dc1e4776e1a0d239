// Package config loads, serves and watches the termhost configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration. Zero values are filled from
// Default by Load.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Terminal TerminalConfig `toml:"terminal" json:"terminal"`
	Host     HostConfig     `toml:"host" json:"host"`
	Store    StoreConfig    `toml:"store" json:"store"`
	Log      LogConfig      `toml:"log" json:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
}

type TerminalConfig struct {
	// PersistentSessions lets interactive sessions keep running in the
	// detached host and be reconnected after a service restart.
	PersistentSessions bool `toml:"persistent_sessions" json:"persistent_sessions"`

	// Shell overrides the default shell for new terminals.
	Shell string `toml:"shell" json:"shell"`

	// UsePty allocates a pseudo-terminal for new sessions. Disabled, or
	// with screen-reader optimization requested per terminal, sessions
	// run over plain pipes.
	UsePty bool `toml:"use_pty" json:"use_pty"`

	// UnicodeVersion is advertised to child processes.
	UnicodeVersion string `toml:"unicode_version" json:"unicode_version"`

	// ReplayBytes caps the per-session replay buffer.
	ReplayBytes int `toml:"replay_bytes" json:"replay_bytes"`

	// HighWater and LowWater bound unacknowledged output before the
	// session reader pauses and resumes.
	HighWater int `toml:"high_water" json:"high_water"`
	LowWater  int `toml:"low_water" json:"low_water"`
}

type HostConfig struct {
	// Enabled routes sessions through the detached pty host. Disabled,
	// sessions run inside the service process and persistence across
	// restarts is unavailable.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Socket is the host's unix socket path; empty uses the state dir.
	Socket string `toml:"socket" json:"socket"`

	// Autostart launches the host daemon when it is not running.
	Autostart bool `toml:"autostart" json:"autostart"`
}

type StoreConfig struct {
	// Path of the sqlite database; empty uses the state dir.
	Path string `toml:"path" json:"path"`
}

type LogConfig struct {
	Level string `toml:"level" json:"level"`
	JSON  bool   `toml:"json" json:"json"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":7070"},
		Terminal: TerminalConfig{
			PersistentSessions: true,
			UsePty:             true,
			UnicodeVersion:     "11",
			ReplayBytes:        100 * 1024,
			HighWater:          128 * 1024,
			LowWater:           32 * 1024,
		},
		Host: HostConfig{
			Enabled:   true,
			Autostart: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Terminal.ReplayBytes <= 0 {
		c.Terminal.ReplayBytes = Default().Terminal.ReplayBytes
	}
	if c.Terminal.HighWater <= 0 {
		c.Terminal.HighWater = Default().Terminal.HighWater
	}
	if c.Terminal.LowWater <= 0 || c.Terminal.LowWater >= c.Terminal.HighWater {
		c.Terminal.LowWater = c.Terminal.HighWater / 4
	}
}

// StateDir returns the termhost state directory, creating it if needed.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home dir: %w", err)
	}
	dir := filepath.Join(home, ".termhost")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// SocketPath resolves the host socket path.
func (c Config) SocketPath() (string, error) {
	if c.Host.Socket != "" {
		return c.Host.Socket, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "host.sock"), nil
}

// PidPath resolves the host pid file path.
func (c Config) PidPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "host.pid"), nil
}

// StorePath resolves the sqlite database path.
func (c Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "termhost.db"), nil
}
