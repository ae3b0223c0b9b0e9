// Package config handles configuration loading for the communication
// engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"regcomms/internal/evidence"
	"regcomms/internal/notify"
	"regcomms/internal/storage"
	"regcomms/internal/throttle"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Incidents  IncidentsConfig  `yaml:"incidents"`
	Rules      RulesConfig      `yaml:"rules"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Escalation EscalationConfig `yaml:"escalation"`
	Deadline   DeadlineConfig   `yaml:"deadline"`
	Notify     NotifyConfig     `yaml:"notify"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int             `yaml:"http_port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request rates on the API. The
// evaluate endpoint triggers notifications to executives and
// regulators, so a runaway caller must be cut off before the
// dispatcher amplifies it.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	Window        time.Duration `yaml:"window"`
	Burst         int           `yaml:"burst"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// IncidentsConfig points at the incident management system the engine
// resolves snapshots from.
type IncidentsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RulesConfig holds rule catalog settings.
type RulesConfig struct {
	// Dir is a directory of operator-authored YAML rule files merged
	// over the builtin defaults. Empty runs with builtins only.
	Dir string `yaml:"dir"`
}

// DirectoryConfig holds stakeholder roster settings.
type DirectoryConfig struct {
	File string `yaml:"file"`
}

// EscalationConfig holds escalation sweep settings.
type EscalationConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DeadlineConfig holds deadline sweep settings.
type DeadlineConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// NotifyConfig holds channel transport settings.
type NotifyConfig struct {
	SMTP      notify.SMTPConfig `yaml:"smtp"`
	Providers ProviderConfig    `yaml:"providers"`
	// WebhookTimeout bounds webhook deliveries.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// ProviderConfig holds HTTP provider endpoints for non-email channels.
type ProviderConfig struct {
	SMS   notify.HTTPProviderConfig `yaml:"sms"`
	Phone notify.HTTPProviderConfig `yaml:"phone"`
	Chat  notify.HTTPProviderConfig `yaml:"chat"`
}

// ThrottleConfig holds duplicate-suppression settings.
type ThrottleConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Window  time.Duration        `yaml:"window"`
	Redis   throttle.RedisConfig `yaml:"redis"`
}

// EvidenceConfig holds evidence pipeline settings.
type EvidenceConfig struct {
	Kafka   KafkaSection   `yaml:"kafka"`
	Archive ArchiveSection `yaml:"archive"`
}

// KafkaSection enables the Kafka evidence emitter. Disabled falls back
// to log-only emission.
type KafkaSection struct {
	Enabled              bool `yaml:"enabled"`
	evidence.KafkaConfig `yaml:",inline"`
}

// ArchiveSection enables long-term S3 archival of evidence batches.
type ArchiveSection struct {
	Enabled                bool `yaml:"enabled"`
	evidence.ArchiveConfig `yaml:",inline"`
}

// StorageConfig holds the durable audit copy settings.
type StorageConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:       true,
				RequestsPerIP: 300,
				Window:        time.Minute,
				Burst:         50,
				CleanupPeriod: 5 * time.Minute,
				ExemptPaths:   []string{"/health"},
				TrustProxy:    false,
			},
		},
		Incidents: IncidentsConfig{
			BaseURL: "http://localhost:8081",
			Timeout: 10 * time.Second,
		},
		Escalation: EscalationConfig{
			CheckInterval: 30 * time.Second,
		},
		Deadline: DeadlineConfig{
			SweepInterval: time.Minute,
		},
		Notify: NotifyConfig{
			SMTP: notify.SMTPConfig{
				Host: "localhost",
				Port: 25,
				From: "incidents@example.com",
			},
			WebhookTimeout: 10 * time.Second,
		},
		Throttle: ThrottleConfig{
			Enabled: false,
			Window:  15 * time.Minute,
			Redis: throttle.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "regcomms",
			},
		},
		Evidence: EvidenceConfig{
			Kafka:   KafkaSection{Enabled: false, KafkaConfig: evidence.DefaultKafkaConfig()},
			Archive: ArchiveSection{Enabled: false, ArchiveConfig: evidence.DefaultArchiveConfig()},
		},
		Storage: StorageConfig{
			Enabled:    false, // set true in production; audit copy requires ClickHouse
			ClickHouse: storage.DefaultClickHouseConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("REGCOMMS_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("REGCOMMS_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("REGCOMMS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Evidence.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Throttle.Redis.Addr = addr
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerIP <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_ip must be positive")
		}
		if c.Server.RateLimit.Window <= 0 {
			return fmt.Errorf("server.rate_limit.window must be positive")
		}
	}
	if c.Incidents.BaseURL == "" {
		return fmt.Errorf("incidents.base_url is required")
	}
	if c.Escalation.CheckInterval <= 0 {
		return fmt.Errorf("escalation.check_interval must be positive")
	}
	if c.Deadline.SweepInterval <= 0 {
		return fmt.Errorf("deadline.sweep_interval must be positive")
	}
	if c.Throttle.Enabled && c.Throttle.Window <= 0 {
		return fmt.Errorf("throttle.window must be positive when throttling is enabled")
	}
	if c.Evidence.Kafka.Enabled {
		if err := c.Evidence.Kafka.Validate(); err != nil {
			return fmt.Errorf("evidence.kafka: %w", err)
		}
	}
	return nil
}
