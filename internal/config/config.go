package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `json:"log_level" mapstructure:"log_level"`
	Capture  CaptureConfig `json:"capture" mapstructure:"capture"`
	Output   OutputConfig  `json:"output" mapstructure:"output"`
}

type CaptureConfig struct {
	MaxDurationSeconds uint32 `json:"max_duration_seconds" mapstructure:"max_duration_seconds"`
	PollIntervalMS     int    `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	GracePeriodMS      int    `json:"grace_period_ms" mapstructure:"grace_period_ms"`
}

type OutputConfig struct {
	Dir      string `json:"dir" mapstructure:"dir"`
	CopyPath bool   `json:"copy_path" mapstructure:"copy_path"` // copy saved file path to clipboard
}

// EnvPrefix is the prefix for environment overrides, e.g. LOOPBACK_LOG_LEVEL
const EnvPrefix = "LOOPBACK"

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			MaxDurationSeconds: 300,
			PollIntervalMS:     10,
			GracePeriodMS:      500,
		},
		Output: OutputConfig{
			Dir:      RecordingsPath(),
			CopyPath: true,
		},
	}
}

// Load reads the config from disk, applies LOOPBACK_* environment overrides
// and falls back to defaults for anything unset.
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile is Load with an explicit config file path
func LoadFile(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("capture.max_duration_seconds", def.Capture.MaxDurationSeconds)
	v.SetDefault("capture.poll_interval_ms", def.Capture.PollIntervalMS)
	v.SetDefault("capture.grace_period_ms", def.Capture.GracePeriodMS)
	v.SetDefault("output.dir", def.Output.Dir)
	v.SetDefault("output.copy_path", def.Output.CopyPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the capture session cannot run with
func (c *Config) Validate() error {
	if c.Capture.MaxDurationSeconds == 0 {
		return errors.New("capture.max_duration_seconds must be positive")
	}
	if c.Capture.PollIntervalMS <= 0 {
		return fmt.Errorf("capture.poll_interval_ms must be positive, got %d", c.Capture.PollIntervalMS)
	}
	if c.Capture.GracePeriodMS <= 0 {
		return fmt.Errorf("capture.grace_period_ms must be positive, got %d", c.Capture.GracePeriodMS)
	}
	if c.Output.Dir == "" {
		return errors.New("output.dir must be set")
	}
	return nil
}

// MaxDuration returns the default capture ceiling
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.Capture.MaxDurationSeconds) * time.Second
}

// PollInterval returns the capture loop poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalMS) * time.Millisecond
}

// GracePeriod returns how long stop waits for the loop to quiesce
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Capture.GracePeriodMS) * time.Millisecond
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveFile(configPath())
}

// SaveFile writes the config to path
func (c *Config) SaveFile(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "loopback-tray", "config.json")
}

// RecordingsPath returns the platform-specific default directory for saved captures
func RecordingsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Music"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "loopback-tray", "recordings")
}
