package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadFillsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("concurrent_connects: 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConcurrentConnects != 2 {
		t.Errorf("ConcurrentConnects = %d, want 2", cfg.ConcurrentConnects)
	}
	if cfg.ScanRestartMax != Default().ScanRestartMax {
		t.Errorf("ScanRestartMax = %d, want the default %d", cfg.ScanRestartMax, Default().ScanRestartMax)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() error = nil, want failure for a missing file")
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scan restart", func(c *Config) { c.ScanRestartMax = 0 }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeoutMS = 0 }},
		{"empty backoff", func(c *Config) { c.ReconnectBackoffMS = nil }},
		{"negative backoff entry", func(c *Config) { c.ReconnectBackoffMS = []int{1000, -1} }},
		{"zero idle threshold", func(c *Config) { c.IdleProbeThresholdMS = 0 }},
		{"zero concurrent connects", func(c *Config) { c.ConcurrentConnects = 0 }},
		{"inverted bp systolic range", func(c *Config) { c.BPNormalRange.SystolicMin = 200 }},
		{"inverted bp diastolic range", func(c *Config) { c.BPNormalRange.DiastolicMin = 200 }},
		{"inverted bp heart rate range", func(c *Config) { c.BPNormalRange.HeartRateMin = 200 }},
		{"inverted temp range", func(c *Config) { c.TempNormalRange.CelsiusMin = 100 }},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want failure")
			}
		})
	}
}

func TestReconnectBackoffConversion(t *testing.T) {
	cfg := Default()
	backoff := cfg.ReconnectBackoff()
	if len(backoff) != 3 {
		t.Fatalf("len(ReconnectBackoff()) = %d, want 3", len(backoff))
	}
	if backoff[0].Milliseconds() != 1000 {
		t.Errorf("backoff[0] = %v, want 1000ms", backoff[0])
	}
}
