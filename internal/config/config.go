package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete engine configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Baseline BaselineConfig `mapstructure:"baseline"`
	Detector DetectorConfig `mapstructure:"detector"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StorageConfig holds time-series store configuration
type StorageConfig struct {
	DBPath      string        `mapstructure:"db_path"`
	MaxLateness time.Duration `mapstructure:"max_lateness"`
}

// BaselineConfig holds the exponentially-weighted baseline tunables
type BaselineConfig struct {
	Alpha           float64 `mapstructure:"alpha"`
	WarmUpThreshold int     `mapstructure:"warm_up_threshold"`
}

// DetectorConfig holds anomaly detection thresholds
type DetectorConfig struct {
	ZOpen          float64       `mapstructure:"z_open"`
	ZClose         float64       `mapstructure:"z_close"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	LatenessWindow time.Duration `mapstructure:"lateness_window"`
}

// AlertsConfig holds rule engine behavior
type AlertsConfig struct {
	NoDataTick        time.Duration `mapstructure:"nodata_tick"`
	MinRefireInterval time.Duration `mapstructure:"min_refire_interval"`
}

// DispatchConfig holds the notifier hand-off queue configuration
type DispatchConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	QueueSize      int           `mapstructure:"queue_size"`
	PoolSize       int           `mapstructure:"pool_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// MQTTConfig holds the live device-push source configuration
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// IntakeConfig selects and configures the sample source
type IntakeConfig struct {
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// DemoMode substitutes the deterministic generator for the live
	// MQTT source; samples flow through the same path either way.
	DemoMode     bool          `mapstructure:"demo_mode"`
	DemoInterval time.Duration `mapstructure:"demo_interval"`

	// ImportRatePerSec throttles bulk CSV import so it cannot starve
	// live ingestion. 0 disables throttling.
	ImportRatePerSec int `mapstructure:"import_rate_per_sec"`
}

// EngineConfig holds pipeline sizing and the ops HTTP listener
type EngineConfig struct {
	Shards         int    `mapstructure:"shards"`
	ShardQueueSize int    `mapstructure:"shard_queue_size"`
	HTTPAddr       string `mapstructure:"http_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("WATTBOARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.db_path", "./data/wattboard.db")
	v.SetDefault("storage.max_lateness", "24h")

	v.SetDefault("baseline.alpha", 0.02)
	v.SetDefault("baseline.warm_up_threshold", 30)

	v.SetDefault("detector.z_open", 3.0)
	v.SetDefault("detector.z_close", 2.0)
	v.SetDefault("detector.grace_period", "60s")
	v.SetDefault("detector.silence_timeout", "5m")
	v.SetDefault("detector.lateness_window", "5m")

	v.SetDefault("alerts.nodata_tick", "30s")
	v.SetDefault("alerts.min_refire_interval", "15m")

	v.SetDefault("dispatch.brokers", []string{"localhost:9092"})
	v.SetDefault("dispatch.topic", "wattboard.firings")
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.pool_size", 2)
	v.SetDefault("dispatch.max_retries", 5)
	v.SetDefault("dispatch.retry_backoff", "500ms")
	v.SetDefault("dispatch.write_timeout", "10s")
	v.SetDefault("dispatch.enqueue_timeout", "2s")

	v.SetDefault("intake.mqtt.broker", "localhost")
	v.SetDefault("intake.mqtt.port", 1883)
	v.SetDefault("intake.mqtt.client_id", "wattboard-engine")
	v.SetDefault("intake.mqtt.topic", "utility/meter/+/reading")
	v.SetDefault("intake.mqtt.qos", 1)
	v.SetDefault("intake.mqtt.connect_timeout", "10s")
	v.SetDefault("intake.mqtt.keep_alive", "30s")
	v.SetDefault("intake.demo_mode", false)
	v.SetDefault("intake.demo_interval", "5s")
	v.SetDefault("intake.import_rate_per_sec", 2000)

	v.SetDefault("engine.shards", 8)
	v.SetDefault("engine.shard_queue_size", 256)
	v.SetDefault("engine.http_addr", ":8080")

	v.SetDefault("logging.level", "info")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxLateness <= 0 {
		return fmt.Errorf("storage.max_lateness must be positive")
	}

	if c.Baseline.Alpha <= 0 || c.Baseline.Alpha >= 1 {
		return fmt.Errorf("baseline.alpha must be in (0, 1)")
	}
	if c.Baseline.WarmUpThreshold < 1 {
		return fmt.Errorf("baseline.warm_up_threshold must be at least 1")
	}

	if c.Detector.ZOpen <= 0 {
		return fmt.Errorf("detector.z_open must be positive")
	}
	if c.Detector.ZClose <= 0 || c.Detector.ZClose >= c.Detector.ZOpen {
		return fmt.Errorf("detector.z_close must be in (0, z_open)")
	}
	if c.Detector.GracePeriod <= 0 {
		return fmt.Errorf("detector.grace_period must be positive")
	}
	if c.Detector.SilenceTimeout <= 0 {
		return fmt.Errorf("detector.silence_timeout must be positive")
	}
	if c.Detector.LatenessWindow <= 0 {
		return fmt.Errorf("detector.lateness_window must be positive")
	}

	if c.Alerts.NoDataTick < time.Second {
		return fmt.Errorf("alerts.nodata_tick must be at least 1 second")
	}
	if c.Alerts.MinRefireInterval <= 0 {
		return fmt.Errorf("alerts.min_refire_interval must be positive")
	}

	if len(c.Dispatch.Brokers) == 0 {
		return fmt.Errorf("dispatch.brokers must contain at least one broker")
	}
	if c.Dispatch.Topic == "" {
		return fmt.Errorf("dispatch.topic is required")
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	if !c.Intake.DemoMode {
		if c.Intake.MQTT.Broker == "" {
			return fmt.Errorf("intake.mqtt.broker is required when demo mode is off")
		}
		if c.Intake.MQTT.Topic == "" {
			return fmt.Errorf("intake.mqtt.topic is required when demo mode is off")
		}
	}
	if c.Intake.DemoMode && c.Intake.DemoInterval < 100*time.Millisecond {
		return fmt.Errorf("intake.demo_interval must be at least 100ms")
	}
	if c.Intake.ImportRatePerSec < 0 {
		return fmt.Errorf("intake.import_rate_per_sec must not be negative")
	}

	if c.Engine.Shards < 1 {
		return fmt.Errorf("engine.shards must be at least 1")
	}
	if c.Engine.ShardQueueSize < 1 {
		return fmt.Errorf("engine.shard_queue_size must be at least 1")
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}

	return nil
}
