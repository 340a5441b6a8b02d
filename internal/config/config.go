// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the engine's external interface.
type Config struct {
	ScanRestartMax       int             `yaml:"scan_restart_max"`
	ConnectTimeoutMS     int             `yaml:"connect_timeout_ms"`
	ReconnectBackoffMS   []int           `yaml:"reconnect_backoff_ms"`
	SmartDisconnect      bool            `yaml:"smart_disconnect"`
	IdleProbeThresholdMS int             `yaml:"idle_probe_threshold_ms"`
	ConcurrentConnects   int             `yaml:"concurrent_connects"`
	BPNormalRange        BPNormalRange   `yaml:"bp_normal_range"`
	TempNormalRange      TempNormalRange `yaml:"temp_normal_range"`
	LogLevel             string          `yaml:"log_level"`
}

// BPNormalRange is the consumer-facing "normal" band for blood pressure
// measurements; it never affects Valid, only InNormalRange.
type BPNormalRange struct {
	SystolicMin  float64 `yaml:"systolic_min"`
	SystolicMax  float64 `yaml:"systolic_max"`
	DiastolicMin float64 `yaml:"diastolic_min"`
	DiastolicMax float64 `yaml:"diastolic_max"`
	HeartRateMin float64 `yaml:"heart_rate_min"`
	HeartRateMax float64 `yaml:"heart_rate_max"`
}

// TempNormalRange is the consumer-facing "normal" band for temperature
// measurements, expressed in Celsius regardless of the reading's own unit.
type TempNormalRange struct {
	CelsiusMin float64 `yaml:"celsius_min"`
	CelsiusMax float64 `yaml:"celsius_max"`
}

// Default returns a Config with the specification's default values.
func Default() *Config {
	return &Config{
		ScanRestartMax:       5,
		ConnectTimeoutMS:     30_000,
		ReconnectBackoffMS:   []int{1000, 2000, 4000},
		SmartDisconnect:      false,
		IdleProbeThresholdMS: 30_000,
		ConcurrentConnects:   5,
		BPNormalRange: BPNormalRange{
			SystolicMin: 90, SystolicMax: 140,
			DiastolicMin: 60, DiastolicMax: 90,
			HeartRateMin: 60, HeartRateMax: 100,
		},
		TempNormalRange: TempNormalRange{CelsiusMin: 36.0, CelsiusMax: 37.5},
		LogLevel:        "info",
	}
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleingest")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads and parses a YAML config file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ScanRestartMax <= 0 {
		return fmt.Errorf("config: scan_restart_max must be > 0")
	}
	if c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("config: connect_timeout_ms must be > 0")
	}
	if len(c.ReconnectBackoffMS) == 0 {
		return fmt.Errorf("config: reconnect_backoff_ms must not be empty")
	}
	for i, ms := range c.ReconnectBackoffMS {
		if ms <= 0 {
			return fmt.Errorf("config: reconnect_backoff_ms[%d] must be > 0", i)
		}
	}
	if c.IdleProbeThresholdMS <= 0 {
		return fmt.Errorf("config: idle_probe_threshold_ms must be > 0")
	}
	if c.ConcurrentConnects <= 0 {
		return fmt.Errorf("config: concurrent_connects must be > 0")
	}
	if c.BPNormalRange.SystolicMin >= c.BPNormalRange.SystolicMax {
		return fmt.Errorf("config: bp_normal_range systolic_min must be < systolic_max")
	}
	if c.BPNormalRange.DiastolicMin >= c.BPNormalRange.DiastolicMax {
		return fmt.Errorf("config: bp_normal_range diastolic_min must be < diastolic_max")
	}
	if c.BPNormalRange.HeartRateMin >= c.BPNormalRange.HeartRateMax {
		return fmt.Errorf("config: bp_normal_range heart_rate_min must be < heart_rate_max")
	}
	if c.TempNormalRange.CelsiusMin >= c.TempNormalRange.CelsiusMax {
		return fmt.Errorf("config: temp_normal_range celsius_min must be < celsius_max")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// ReconnectBackoff converts the configured millisecond list into durations.
func (c *Config) ReconnectBackoff() []time.Duration {
	out := make([]time.Duration, len(c.ReconnectBackoffMS))
	for i, ms := range c.ReconnectBackoffMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// ConnectTimeout converts connect_timeout_ms into a time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// IdleProbeThreshold converts idle_probe_threshold_ms into a time.Duration.
func (c *Config) IdleProbeThreshold() time.Duration {
	return time.Duration(c.IdleProbeThresholdMS) * time.Millisecond
}
