// Package config handles configuration loading for the automation engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"automation-engine/internal/credentials"
	"automation-engine/internal/history"
	"automation-engine/internal/kafka"
	"automation-engine/internal/metrics"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
	"automation-engine/internal/storage/s3"
	"automation-engine/internal/validation"
	"automation-engine/internal/workflow"
)

// DefaultPath is read when AUTOMATION_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Engine      EngineConfig       `yaml:"engine"`
	Notify      NotifyConfig       `yaml:"notify"`
	Signals     signal.BusConfig   `yaml:"signals"`
	Storage     StorageConfig      `yaml:"storage"`
	Encryption  EncryptionConfig   `yaml:"encryption"`
	Credentials credentials.Config `yaml:"credentials"`
	Streams     StreamsConfig      `yaml:"streams"`
	History     HistoryConfig      `yaml:"history"`
	Archive     ArchiveConfig      `yaml:"archive"`
	Kafka       kafka.Config       `yaml:"kafka"`
	Metrics     metrics.Config     `yaml:"metrics"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
}

// ServerConfig holds the HTTP server that exposes /health and /metrics.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip" validate:"gte=0"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size" validate:"gte=0"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	MaxConcurrentExecutions int              `yaml:"max_concurrent_executions" validate:"gte=1"`
	RulesDir                string           `yaml:"rules_dir"`
	Classifier              ClassifierConfig `yaml:"classifier"`
}

// ClassifierConfig points at the incident classification service. An empty
// URL leaves classification unavailable.
type ClassifierConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,http_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// NotifyConfig points at the notification delivery service. An empty URL
// logs notifications instead of delivering them.
type NotifyConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,http_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// StorageConfig selects the definition and execution store.
type StorageConfig struct {
	Backend string              `yaml:"backend" validate:"oneof=memory redis"`
	Redis   storage.RedisConfig `yaml:"redis"`
	// ExecutionTTL expires stored execution records. Zero keeps them.
	ExecutionTTL time.Duration `yaml:"execution_ttl"`
	// MemoryExecutionLimit caps executions kept by the memory backend.
	// Zero keeps every execution.
	MemoryExecutionLimit int `yaml:"memory_execution_limit" validate:"gte=0"`
}

// EncryptionConfig seals stored documents. The key itself is never read from
// the file: it comes from the environment variable named by KeyEnv.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Algorithm  string `yaml:"algorithm" validate:"omitempty,oneof=AES-256-GCM XCHACHA20-POLY1305"`
	KeyVersion int    `yaml:"key_version" validate:"gte=0"`
	KeyEnv     string `yaml:"key_env"`
}

// StreamsConfig controls integration data streams.
type StreamsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MinSyncInterval time.Duration `yaml:"min_sync_interval"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
}

// HistoryConfig controls the ClickHouse execution history.
type HistoryConfig struct {
	Enabled       bool                      `yaml:"enabled"`
	ClickHouse    storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter   storage.BatchWriterConfig `yaml:"batch_writer"`
	RetentionDays int                       `yaml:"retention_days" validate:"gte=0"`
}

// ArchiveConfig controls the S3 execution archive.
type ArchiveConfig struct {
	Enabled bool                  `yaml:"enabled"`
	S3      s3.Config             `yaml:"s3"`
	Layout  s3.ArchiverConfig     `yaml:"layout"`
	Buffer  history.ArchiveConfig `yaml:"buffer"`
}

// ScheduleConfig controls the cron scheduler for SCHEDULE rules.
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health"},
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: workflow.DefaultMaxConcurrentExecutions,
			RulesDir:                "configs/rules",
			Classifier:              ClassifierConfig{Timeout: 10 * time.Second},
		},
		Notify:      NotifyConfig{Timeout: 10 * time.Second},
		Signals:     signal.DefaultBusConfig(),
		Credentials: credentials.DefaultConfig(),
		Storage: StorageConfig{
			Backend:              "memory",
			Redis:                storage.DefaultRedisConfig(),
			MemoryExecutionLimit: 10000,
		},
		Encryption: EncryptionConfig{
			Algorithm:  "AES-256-GCM",
			KeyVersion: 1,
			KeyEnv:     "AUTOMATION_ENCRYPTION_KEY",
		},
		Streams: StreamsConfig{
			Enabled:         true,
			MinSyncInterval: 10 * time.Second,
			HTTPTimeout:     30 * time.Second,
		},
		History: HistoryConfig{
			ClickHouse:    storage.DefaultClickHouseConfig(),
			BatchWriter:   storage.DefaultBatchWriterConfig(),
			RetentionDays: 90,
		},
		Archive: ArchiveConfig{
			S3:     *s3.DefaultConfig(),
			Layout: s3.DefaultArchiverConfig(),
			Buffer: history.DefaultArchiveConfig(),
		},
		Kafka:    *kafka.DefaultConfig(),
		Metrics:  metrics.DefaultConfig(),
		Schedule: ScheduleConfig{Enabled: true},
	}
}

// Path returns the configuration file path.
func Path() string {
	if p := os.Getenv("AUTOMATION_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setInt("AUTOMATION_HTTP_PORT", &c.Server.HTTPPort)
	setString("AUTOMATION_LOG_LEVEL", &c.Logging.Level)
	setString("AUTOMATION_LOG_FORMAT", &c.Logging.Format)
	setString("AUTOMATION_RULES_DIR", &c.Engine.RulesDir)
	setInt("AUTOMATION_MAX_CONCURRENT_EXECUTIONS", &c.Engine.MaxConcurrentExecutions)
	setString("AUTOMATION_CLASSIFIER_URL", &c.Engine.Classifier.URL)
	setString("AUTOMATION_NOTIFY_URL", &c.Notify.URL)
	setString("AUTOMATION_STORAGE_BACKEND", &c.Storage.Backend)
	setBool("AUTOMATION_ENCRYPTION_ENABLED", &c.Encryption.Enabled)
	setBool("AUTOMATION_RATELIMIT_ENABLED", &c.RateLimit.Enabled)
	setInt("AUTOMATION_RATELIMIT_RPS", &c.RateLimit.RequestsPerIP)
	setBool("AUTOMATION_HISTORY_ENABLED", &c.History.Enabled)
	setBool("AUTOMATION_ARCHIVE_ENABLED", &c.Archive.Enabled)
	setString("AUTOMATION_ARCHIVE_BUCKET", &c.Archive.S3.Bucket)
	setString("AUTOMATION_VAULT_TOKEN", &c.Credentials.VaultToken)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Storage.Redis.Addr = addr
		c.Storage.Backend = "redis"
	}
	setString("REDIS_PASSWORD", &c.Storage.Redis.Password)
	setInt("REDIS_DB", &c.Storage.Redis.DB)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	setString("KAFKA_SIGNAL_TOPIC", &c.Kafka.SignalTopic)
	setString("KAFKA_EVENT_TOPIC", &c.Kafka.EventTopic)
	setString("KAFKA_SASL_USERNAME", &c.Kafka.SASLUsername)
	setString("KAFKA_SASL_PASSWORD", &c.Kafka.SASLPassword)

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.History.ClickHouse.Hosts = splitAndTrim(host, ",")
		c.History.Enabled = true
	}
	setString("CLICKHOUSE_DATABASE", &c.History.ClickHouse.Database)
	setString("CLICKHOUSE_USER", &c.History.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &c.History.ClickHouse.Password)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

// splitAndTrim splits s on sep and drops empty parts.
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
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return errors.New("invalid configuration: storage.redis.addr is required for the redis backend")
	}
	if c.Encryption.Enabled && c.Storage.Backend != "redis" {
		return errors.New("invalid configuration: encryption applies to the redis backend only")
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.History.Enabled && len(c.History.ClickHouse.Hosts) == 0 {
		return errors.New("invalid configuration: history.clickhouse.hosts is required")
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}
