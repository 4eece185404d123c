package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8083, cfg.Server.Port)
	require.Equal(t, "chromium", cfg.Engine.BrowserType)
	require.True(t, cfg.Engine.Headless)
	require.Equal(t, 1280, cfg.Engine.ViewportWidth)
	require.Equal(t, 720, cfg.Engine.ViewportHeight)
	require.Equal(t, 30, cfg.Stream.FPS)
	require.Equal(t, 80, cfg.Stream.Quality)
	require.Equal(t, 0, cfg.Session.IdleTimeoutSec)
	require.True(t, cfg.Logging.Development)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: 9090
engine:
  viewport_width: 1920
  viewport_height: 1080
stream:
  fps: 15
  quality: 60
session:
  idle_timeout_seconds: 300
  reap_interval_seconds: 10
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 1920, cfg.Engine.ViewportWidth)
	require.Equal(t, 15, cfg.Stream.FPS)
	require.Equal(t, 300, cfg.Session.IdleTimeoutSec)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unsupported browser", func(c *Config) { c.Engine.BrowserType = "webkit" }},
		{"zero viewport", func(c *Config) { c.Engine.ViewportWidth = 0 }},
		{"zero nav timeout", func(c *Config) { c.Engine.NavTimeoutSec = 0 }},
		{"zero fps", func(c *Config) { c.Stream.FPS = 0 }},
		{"reaper without interval", func(c *Config) {
			c.Session.IdleTimeoutSec = 60
			c.Session.ReapIntervalSec = 0
		}},
		{"bad wait mode", func(c *Config) { c.Engine.DefaultWaitMode = "idle" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
