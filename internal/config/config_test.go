package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Baseline.Alpha != 0.02 {
		t.Errorf("alpha = %v, want 0.02", cfg.Baseline.Alpha)
	}
	if cfg.Baseline.WarmUpThreshold != 30 {
		t.Errorf("warm_up_threshold = %d, want 30", cfg.Baseline.WarmUpThreshold)
	}
	if cfg.Detector.ZOpen != 3.0 || cfg.Detector.ZClose != 2.0 {
		t.Errorf("z thresholds = %v/%v, want 3/2", cfg.Detector.ZOpen, cfg.Detector.ZClose)
	}
	if cfg.Detector.GracePeriod != 60*time.Second {
		t.Errorf("grace_period = %v, want 60s", cfg.Detector.GracePeriod)
	}
	if cfg.Storage.MaxLateness != 24*time.Hour {
		t.Errorf("max_lateness = %v, want 24h", cfg.Storage.MaxLateness)
	}
	if cfg.Detector.LatenessWindow != 5*time.Minute {
		t.Errorf("lateness_window = %v, want 5m", cfg.Detector.LatenessWindow)
	}
	if cfg.Alerts.NoDataTick != 30*time.Second {
		t.Errorf("nodata_tick = %v, want 30s", cfg.Alerts.NoDataTick)
	}
	if cfg.Alerts.MinRefireInterval != 15*time.Minute {
		t.Errorf("min_refire_interval = %v, want 15m", cfg.Alerts.MinRefireInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
baseline:
  alpha: 0.1
detector:
  z_open: 4.0
  z_close: 2.5
engine:
  shards: 4
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Baseline.Alpha != 0.1 {
		t.Errorf("alpha = %v, want 0.1", cfg.Baseline.Alpha)
	}
	if cfg.Detector.ZOpen != 4.0 || cfg.Detector.ZClose != 2.5 {
		t.Errorf("z thresholds = %v/%v", cfg.Detector.ZOpen, cfg.Detector.ZClose)
	}
	if cfg.Engine.Shards != 4 {
		t.Errorf("shards = %d, want 4", cfg.Engine.Shards)
	}
	// Untouched keys keep their defaults.
	if cfg.Baseline.WarmUpThreshold != 30 {
		t.Errorf("warm_up_threshold = %d, want default 30", cfg.Baseline.WarmUpThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alpha too big", func(c *Config) { c.Baseline.Alpha = 1.5 }},
		{"alpha zero", func(c *Config) { c.Baseline.Alpha = 0 }},
		{"z_close above z_open", func(c *Config) { c.Detector.ZClose = 5 }},
		{"negative grace", func(c *Config) { c.Detector.GracePeriod = -time.Second }},
		{"no brokers", func(c *Config) { c.Dispatch.Brokers = nil }},
		{"no topic", func(c *Config) { c.Dispatch.Topic = "" }},
		{"zero shards", func(c *Config) { c.Engine.Shards = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"no mqtt broker outside demo", func(c *Config) {
			c.Intake.DemoMode = false
			c.Intake.MQTT.Broker = ""
		}},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}
