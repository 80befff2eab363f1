package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Resend    ResendConfig    `yaml:"resend"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// StorageConfig selects the dispatch store.
type StorageConfig struct {
	Type         string `yaml:"type"` // "postgres" or "memory"
	DatabaseURL  string `yaml:"database_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the shared rate limiter and lock backend. An empty URL
// selects the in-process limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ResendConfig holds provider credentials and the runtime options applied to
// every send.
type ResendConfig struct {
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	TestMode         *bool  `yaml:"test_mode"`
	RetryAttempts    int    `yaml:"retry_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
	CallbackURL      string `yaml:"callback_url"`
	HandleClick      bool   `yaml:"handle_click"`
}

// Timeout returns the HTTP timeout for provider calls.
func (c ResendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IsTestMode reports whether only reserved test recipients are accepted.
// Test mode is on unless explicitly disabled.
func (c ResendConfig) IsTestMode() bool {
	return c.TestMode == nil || *c.TestMode
}

// DispatchConfig holds pipeline tunables.
type DispatchConfig struct {
	SegmentMs          int `yaml:"segment_ms"`
	BaseBatchDelayMs   int `yaml:"base_batch_delay_ms"`
	BatchSize          int `yaml:"batch_size"`
	EmailPoolSize      int `yaml:"email_pool_size"`
	CallbackPoolSize   int `yaml:"callback_pool_size"`
	RateLimitWindowMs  int `yaml:"rate_limit_window_ms"`
	FixedWindowDelayMs int `yaml:"fixed_window_delay_ms"`
}

// RetentionConfig holds sweeper settings.
type RetentionConfig struct {
	FinalizedHours           int `yaml:"finalized_hours"`
	AbandonedHours           int `yaml:"abandoned_hours"`
	PageSize                 int `yaml:"page_size"`
	FinalizedIntervalMinutes int `yaml:"finalized_interval_minutes"`
	AbandonedIntervalMinutes int `yaml:"abandoned_interval_minutes"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// ShouldRedact reports whether PII redaction is on. Defaults to true.
func (c LogConfig) ShouldRedact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "postgres"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 20
	}
	if cfg.Resend.BaseURL == "" {
		cfg.Resend.BaseURL = "https://api.resend.com"
	}
	if cfg.Resend.TimeoutSeconds == 0 {
		cfg.Resend.TimeoutSeconds = 30
	}
	if cfg.Resend.RetryAttempts == 0 {
		cfg.Resend.RetryAttempts = 5
	}
	if cfg.Resend.InitialBackoffMs == 0 {
		cfg.Resend.InitialBackoffMs = 30000
	}
	if cfg.Dispatch.SegmentMs == 0 {
		cfg.Dispatch.SegmentMs = 125
	}
	if cfg.Dispatch.BaseBatchDelayMs == 0 {
		cfg.Dispatch.BaseBatchDelayMs = 1000
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Dispatch.EmailPoolSize == 0 {
		cfg.Dispatch.EmailPoolSize = 4
	}
	if cfg.Dispatch.CallbackPoolSize == 0 {
		cfg.Dispatch.CallbackPoolSize = 4
	}
	if cfg.Dispatch.RateLimitWindowMs == 0 {
		cfg.Dispatch.RateLimitWindowMs = 600
	}
	if cfg.Dispatch.FixedWindowDelayMs == 0 {
		cfg.Dispatch.FixedWindowDelayMs = 100
	}
	if cfg.Retention.FinalizedHours == 0 {
		cfg.Retention.FinalizedHours = 7 * 24
	}
	if cfg.Retention.AbandonedHours == 0 {
		cfg.Retention.AbandonedHours = 30 * 24
	}
	if cfg.Retention.PageSize == 0 {
		cfg.Retention.PageSize = 500
	}
	if cfg.Retention.FinalizedIntervalMinutes == 0 {
		cfg.Retention.FinalizedIntervalMinutes = 5
	}
	if cfg.Retention.AbandonedIntervalMinutes == 0 {
		cfg.Retention.AbandonedIntervalMinutes = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Resend.APIKey = v
	}
	if v := os.Getenv("RESEND_BASE_URL"); v != "" {
		cfg.Resend.BaseURL = v
	}
	if v := os.Getenv("RESEND_CALLBACK_URL"); v != "" {
		cfg.Resend.CallbackURL = v
	}
	if v := os.Getenv("RESEND_TEST_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("RESEND_TEST_MODE: %w", err)
		}
		cfg.Resend.TestMode = &b
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
