package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Terminal.PersistentSessions {
		t.Error("PersistentSessions default = false, want true")
	}
	if !cfg.Terminal.UsePty {
		t.Error("UsePty default = false, want true")
	}
	if cfg.Server.Addr == "" {
		t.Error("Server.Addr default empty")
	}
	if cfg.Terminal.LowWater >= cfg.Terminal.HighWater {
		t.Errorf("LowWater %d >= HighWater %d", cfg.Terminal.LowWater, cfg.Terminal.HighWater)
	}
	if !cfg.Host.Enabled || !cfg.Host.Autostart {
		t.Error("host defaults = disabled, want enabled with autostart")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[server]
addr = "127.0.0.1:9000"

[terminal]
persistent_sessions = false
shell = "fish"

[log]
level = "debug"
json = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want 127.0.0.1:9000", cfg.Server.Addr)
	}
	if cfg.Terminal.PersistentSessions {
		t.Error("PersistentSessions = true, want false")
	}
	if cfg.Terminal.Shell != "fish" {
		t.Errorf("Shell = %q, want fish", cfg.Terminal.Shell)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("Log = %+v, want debug json", cfg.Log)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Terminal.UnicodeVersion != Default().Terminal.UnicodeVersion {
		t.Errorf("UnicodeVersion = %q, want default", cfg.Terminal.UnicodeVersion)
	}
	if !cfg.Host.Enabled {
		t.Error("Host.Enabled = false, want default true")
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[terminal\npersistent_sessions = maybe")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load = %v, want parse error", err)
	}
}

func TestLoadNormalizesWatermarks(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantHigh int
		wantLow  int
	}{
		{
			name:     "low above high is recomputed",
			body:     "[terminal]\nhigh_water = 1000\nlow_water = 5000\n",
			wantHigh: 1000,
			wantLow:  250,
		},
		{
			name:     "zero low is recomputed",
			body:     "[terminal]\nhigh_water = 1000\nlow_water = 0\n",
			wantHigh: 1000,
			wantLow:  250,
		},
		{
			name:     "negative high falls back to default",
			body:     "[terminal]\nhigh_water = -1\n",
			wantHigh: Default().Terminal.HighWater,
			wantLow:  Default().Terminal.LowWater,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Terminal.HighWater != tt.wantHigh || cfg.Terminal.LowWater != tt.wantLow {
				t.Errorf("watermarks = %d/%d, want %d/%d",
					cfg.Terminal.HighWater, cfg.Terminal.LowWater, tt.wantHigh, tt.wantLow)
			}
		})
	}
}

func TestLoadNegativeReplayBytes(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[terminal]\nreplay_bytes = -5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Terminal.ReplayBytes != Default().Terminal.ReplayBytes {
		t.Errorf("ReplayBytes = %d, want default", cfg.Terminal.ReplayBytes)
	}
}
