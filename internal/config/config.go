// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Session SessionConfig `mapstructure:"session"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig controls the headless browser engine.
type EngineConfig struct {
	BrowserType     string `mapstructure:"browser_type"`
	Headless        bool   `mapstructure:"headless"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
	UserAgent       string `mapstructure:"user_agent"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	OpTimeoutSec    int    `mapstructure:"op_timeout_seconds"`
	StartOnBoot     bool   `mapstructure:"start_on_boot"`
	AutoStartOnUse  bool   `mapstructure:"auto_start_on_use"`
	StopGraceSec    int    `mapstructure:"stop_grace_seconds"`
	ScreenshotQual  int    `mapstructure:"screenshot_quality"`
	SettleDelayMs   int    `mapstructure:"settle_delay_ms"`
	DefaultWaitMode string `mapstructure:"default_wait_mode"`
}

// SessionConfig governs session bookkeeping and the idle reaper.
type SessionConfig struct {
	IdleTimeoutSec  int `mapstructure:"idle_timeout_seconds"`
	ReapIntervalSec int `mapstructure:"reap_interval_seconds"`
}

// StreamConfig holds the frame streaming defaults.
type StreamConfig struct {
	FPS               int `mapstructure:"fps"`
	Quality           int `mapstructure:"quality"`
	ViewerYieldMs     int `mapstructure:"viewer_yield_ms"`
	CaptureTimeoutSec int `mapstructure:"capture_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROWSERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8083)
	v.SetDefault("engine.browser_type", "chromium")
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.viewport_width", 1280)
	v.SetDefault("engine.viewport_height", 720)
	v.SetDefault("engine.nav_timeout_seconds", 30)
	v.SetDefault("engine.op_timeout_seconds", 5)
	v.SetDefault("engine.start_on_boot", false)
	v.SetDefault("engine.auto_start_on_use", true)
	v.SetDefault("engine.stop_grace_seconds", 10)
	v.SetDefault("engine.screenshot_quality", 80)
	v.SetDefault("engine.settle_delay_ms", 500)
	v.SetDefault("engine.default_wait_mode", "load")
	v.SetDefault("session.idle_timeout_seconds", 0)
	v.SetDefault("session.reap_interval_seconds", 30)
	v.SetDefault("stream.fps", 30)
	v.SetDefault("stream.quality", 80)
	v.SetDefault("stream.viewer_yield_ms", 10)
	v.SetDefault("stream.capture_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.BrowserType != "chromium" {
		return fmt.Errorf("engine.browser_type %q is not supported", c.Engine.BrowserType)
	}
	if c.Engine.ViewportWidth <= 0 || c.Engine.ViewportHeight <= 0 {
		return fmt.Errorf("engine viewport dimensions must be > 0")
	}
	if c.Engine.NavTimeoutSec <= 0 {
		return fmt.Errorf("engine.nav_timeout_seconds must be > 0")
	}
	if c.Stream.FPS <= 0 || c.Stream.Quality <= 0 {
		return fmt.Errorf("stream.fps and stream.quality must be > 0")
	}
	if c.Session.IdleTimeoutSec > 0 && c.Session.ReapIntervalSec <= 0 {
		return fmt.Errorf("session.reap_interval_seconds must be > 0 when the idle reaper is enabled")
	}
	switch c.Engine.DefaultWaitMode {
	case "load", "domcontentloaded", "networkidle":
	default:
		return fmt.Errorf("engine.default_wait_mode %q is not a valid wait condition", c.Engine.DefaultWaitMode)
	}
	return nil
}

// NavTimeout converts the navigation timeout config into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Engine.NavTimeoutSec) * time.Second
}

// IdleTimeout converts the session idle timeout into a duration; zero disables reaping.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSec) * time.Second
}
