/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Streaming StreamingConfig `yaml:"streaming"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   *MetricsConfig  `yaml:"metrics,omitempty"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address        string        `yaml:"address"`
	Domain         string        `yaml:"domain"`
	PublicURL      string        `yaml:"public_url"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// AuthConfig holds credential, signature and admin configuration
type AuthConfig struct {
	RequireSignatures  bool          `yaml:"require_signatures"`
	SignatureFields    []string      `yaml:"signature_components"`
	SignatureMaxAge    time.Duration `yaml:"signature_max_age"`
	FutureTolerance    time.Duration `yaml:"future_tolerance"`
	KeyRotationGrace   time.Duration `yaml:"key_rotation_grace"`
	CredentialSecret   string        `yaml:"credential_secret"`
	APIKeySalt         string        `yaml:"api_key_salt"`
	APIKeyHeader       string        `yaml:"api_key_header"`
	TrustFloor         float64       `yaml:"trust_floor"`
	OpenRegistration   bool          `yaml:"open_registration"`
	AdminKeyFile       string        `yaml:"admin_key_file"`       // Path to admin API key file
	AdminAPIKeyHeader  string        `yaml:"admin_api_key_header"` // Header for admin API key
	DefaultAgentTier   string        `yaml:"default_agent_tier"`
	ActivityRingLength int           `yaml:"activity_ring_length"`
}

// TierConfig overrides the limits of a single rate limit tier
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// RateLimitConfig holds token bucket configuration
type RateLimitConfig struct {
	Store string                `yaml:"store"` // memory, redis or database
	Tiers map[string]TierConfig `yaml:"tiers"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Retention      time.Duration `yaml:"retention"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	SyncAuditLimit time.Duration `yaml:"sync_audit_limit"`
}

// StreamingConfig holds WebSocket configuration
type StreamingConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SendBuffer       int           `yaml:"send_buffer"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Type     string         `yaml:"type"` // memory or database
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds gorm connection settings
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or mysql
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig holds the redis connection used by the redis bucket store
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig configures optional broker sinks for job events
type EventsConfig struct {
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
}

// CacheConfig holds the result cache settings
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxBytes        int64         `yaml:"max_bytes"`
}

// AuditConfig points at the external audit engine
type AuditConfig struct {
	EngineURL string        `yaml:"engine_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadFrom builds the configuration from defaults, an optional YAML file and
// the environment, in increasing precedence. A non-empty adminKeyFile from
// the command line overrides all of them.
func LoadFrom(configFile, adminKeyFile string) (*Config, error) {
	cfg := getDefaultConfig()

	if err := loadFromYAML(cfg, configFile); err != nil {
		return nil, fmt.Errorf("failed to load YAML config: %w", err)
	}

	loadFromEnv(cfg)

	if adminKeyFile != "" {
		cfg.Auth.AdminKeyFile = adminKeyFile
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			Domain:         "localhost",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
		},
		TLS: TLSConfig{
			Enabled:    false,
			MinVersion: "1.3",
		},
		Auth: AuthConfig{
			RequireSignatures:  true,
			SignatureFields:    []string{"@method", "@target-uri"},
			SignatureMaxAge:    5 * time.Minute,
			FutureTolerance:    time.Minute,
			KeyRotationGrace:   0,
			APIKeyHeader:       "Authorization",
			TrustFloor:         20,
			OpenRegistration:   false,
			AdminAPIKeyHeader:  "X-Admin-Key",
			DefaultAgentTier:   "free",
			ActivityRingLength: 10,
		},
		RateLimit: RateLimitConfig{
			Store: "memory",
		},
		Queue: QueueConfig{
			Workers:        4,
			PollInterval:   500 * time.Millisecond,
			JobTimeout:     60 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   time.Second,
			MaxBackoff:     30 * time.Second,
			Retention:      24 * time.Hour,
			PurgeInterval:  10 * time.Minute,
			MaxBatchSize:   50,
			SyncAuditLimit: 30 * time.Second,
		},
		Streaming: StreamingConfig{
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    15 * time.Second,
			SendBuffer:       64,
			WriteTimeout:     10 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Database: DatabaseConfig{
				Driver:          "postgres",
				MaxConnections:  20,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				AutoMigrate:     true,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "a2a:bucket:",
		},
		Events: EventsConfig{
			AMQPExchange: "a2a.events",
			NATSSubject:  "a2a.events",
		},
		Cache: CacheConfig{
			TTL:             time.Hour,
			CleanupInterval: 5 * time.Minute,
			MaxBytes:        64 * 1024 * 1024,
		},
		Audit: AuditConfig{
			EngineURL: "http://localhost:9090/audit",
			Timeout:   45 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(cfg *Config, configFile string) error {
	// Only load config file if explicitly provided
	if configFile == "" {
		return nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config file %s: %w", configFile, err)
	}

	return nil
}

// loadFromEnv overrides configuration with environment variables
func loadFromEnv(cfg *Config) {
	// Server configuration
	if val := getEnv("A2A_SERVER_ADDRESS", ""); val != "" {
		cfg.Server.Address = val
	}
	if val := getEnv("A2A_DOMAIN", ""); val != "" {
		cfg.Server.Domain = val
	}
	if val := getEnv("A2A_PUBLIC_URL", ""); val != "" {
		cfg.Server.PublicURL = val
	}
	if val := getDurationEnv("A2A_READ_TIMEOUT", 0); val != 0 {
		cfg.Server.ReadTimeout = val
	}
	if val := getDurationEnv("A2A_WRITE_TIMEOUT", 0); val != 0 {
		cfg.Server.WriteTimeout = val
	}
	if val := getInt64Env("A2A_MAX_REQUEST_SIZE", 0); val != 0 {
		cfg.Server.MaxRequestSize = val
	}

	// TLS configuration
	cfg.TLS.Enabled = getBoolEnv("A2A_TLS_ENABLED", cfg.TLS.Enabled)
	if val := getEnv("A2A_TLS_CERT_FILE", ""); val != "" {
		cfg.TLS.CertFile = val
	}
	if val := getEnv("A2A_TLS_KEY_FILE", ""); val != "" {
		cfg.TLS.KeyFile = val
	}

	// Auth configuration
	cfg.Auth.RequireSignatures = getBoolEnv("A2A_REQUIRE_SIGNATURES", cfg.Auth.RequireSignatures)
	cfg.Auth.OpenRegistration = getBoolEnv("A2A_OPEN_REGISTRATION", cfg.Auth.OpenRegistration)
	if val := getDurationEnv("A2A_SIGNATURE_MAX_AGE", 0); val != 0 {
		cfg.Auth.SignatureMaxAge = val
	}
	if val := getEnv("A2A_SIGNATURE_COMPONENTS", ""); val != "" {
		cfg.Auth.SignatureFields = strings.Split(val, ",")
	}
	if val := getDurationEnv("A2A_SIGNATURE_FUTURE_TOLERANCE", 0); val != 0 {
		cfg.Auth.FutureTolerance = val
	}
	if val := getDurationEnv("A2A_KEY_ROTATION_GRACE", 0); val != 0 {
		cfg.Auth.KeyRotationGrace = val
	}
	if val := getEnv("A2A_CREDENTIAL_SECRET", ""); val != "" {
		cfg.Auth.CredentialSecret = val
	}
	if val := getEnv("A2A_API_KEY_SALT", ""); val != "" {
		cfg.Auth.APIKeySalt = val
	}
	if val := getFloatEnv("A2A_TRUST_FLOOR", -1); val >= 0 {
		cfg.Auth.TrustFloor = val
	}
	if val := getEnv("A2A_ADMIN_KEY_FILE", ""); val != "" {
		cfg.Auth.AdminKeyFile = val
	}
	if val := getEnv("A2A_ADMIN_API_KEY_HEADER", ""); val != "" {
		cfg.Auth.AdminAPIKeyHeader = val
	}

	// Rate limit configuration
	if val := getEnv("A2A_RATE_LIMIT_STORE", ""); val != "" {
		cfg.RateLimit.Store = val
	}

	// Queue configuration
	if val := getInt64Env("A2A_QUEUE_WORKERS", 0); val != 0 {
		cfg.Queue.Workers = int(val)
	}
	if val := getDurationEnv("A2A_QUEUE_POLL_INTERVAL", 0); val != 0 {
		cfg.Queue.PollInterval = val
	}
	if val := getDurationEnv("A2A_QUEUE_RETENTION", 0); val != 0 {
		cfg.Queue.Retention = val
	}
	if val := getDurationEnv("A2A_JOB_TIMEOUT", 0); val != 0 {
		cfg.Queue.JobTimeout = val
	}

	// Streaming configuration
	if val := getDurationEnv("A2A_HEARTBEAT_TIMEOUT", 0); val != 0 {
		cfg.Streaming.HeartbeatTimeout = val
	}
	if val := getDurationEnv("A2A_SWEEP_INTERVAL", 0); val != 0 {
		cfg.Streaming.SweepInterval = val
	}
	if val := getEnv("A2A_ALLOWED_ORIGINS", ""); val != "" {
		cfg.Streaming.AllowedOrigins = strings.Split(val, ",")
	}

	// Storage configuration
	if val := getEnv("A2A_STORAGE_TYPE", ""); val != "" {
		cfg.Storage.Type = val
	}
	if val := getEnv("A2A_DATABASE_DRIVER", ""); val != "" {
		cfg.Storage.Database.Driver = val
	}
	if val := getEnv("A2A_DATABASE_DSN", ""); val != "" {
		cfg.Storage.Database.DSN = val
	}

	// Redis and event sinks
	if val := getEnv("A2A_REDIS_ADDR", ""); val != "" {
		cfg.Redis.Addr = val
	}
	if val := getEnv("A2A_REDIS_PASSWORD", ""); val != "" {
		cfg.Redis.Password = val
	}
	if val := getEnv("A2A_AMQP_URL", ""); val != "" {
		cfg.Events.AMQPURL = val
	}
	if val := getEnv("A2A_NATS_URL", ""); val != "" {
		cfg.Events.NATSURL = val
	}

	// Cache and audit engine
	if val := getDurationEnv("A2A_CACHE_TTL", 0); val != 0 {
		cfg.Cache.TTL = val
	}
	if val := getInt64Env("A2A_CACHE_MAX_BYTES", 0); val != 0 {
		cfg.Cache.MaxBytes = val
	}
	if val := getEnv("A2A_AUDIT_ENGINE_URL", ""); val != "" {
		cfg.Audit.EngineURL = val
	}
	if val := getDurationEnv("A2A_AUDIT_TIMEOUT", 0); val != 0 {
		cfg.Audit.Timeout = val
	}

	// Logging configuration
	if val := getEnv("A2A_LOG_LEVEL", ""); val != "" {
		cfg.Logging.Level = val
	}
	if val := getEnv("A2A_LOG_FORMAT", ""); val != "" {
		cfg.Logging.Format = val
	}

	loadMetricsFromEnv(cfg)
}

var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// validate validates the configuration
func (c *Config) validate() error {
	domain := strings.TrimSpace(c.Server.Domain)
	if domain == "" {
		return fmt.Errorf("invalid server domain: domain is required")
	}
	if domain != "localhost" && !domainRegex.MatchString(domain) {
		return fmt.Errorf("invalid server domain: invalid domain format: %s", domain)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS cert and key files are required when TLS is enabled")
	}

	if c.Server.MaxRequestSize <= 0 {
		return fmt.Errorf("max request size must be positive")
	}

	if c.Auth.SignatureMaxAge <= 0 || c.Auth.FutureTolerance < 0 {
		return fmt.Errorf("signature freshness window must be positive")
	}

	for _, component := range c.Auth.SignatureFields {
		if !signatureComponents[strings.TrimSpace(component)] {
			return fmt.Errorf("unsupported signature component: %s", component)
		}
	}

	if c.Auth.TrustFloor < 0 || c.Auth.TrustFloor > 100 {
		return fmt.Errorf("trust floor must be within [0,100]")
	}

	for name, tier := range c.RateLimit.Tiers {
		if tier.RequestsPerMinute <= 0 || tier.Burst <= 0 || tier.MaxConcurrent <= 0 {
			return fmt.Errorf("rate limit tier %s must have positive limits", name)
		}
	}

	switch c.RateLimit.Store {
	case "memory", "redis", "database":
	default:
		return fmt.Errorf("unsupported rate limit store: %s", c.RateLimit.Store)
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll interval must be positive")
	}

	switch c.Storage.Type {
	case "memory":
	case "database":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for database storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.RateLimit.Store == "database" && c.Storage.Type != "database" {
		return fmt.Errorf("database rate limit store requires database storage")
	}

	// Validate admin key file if specified
	if c.Auth.AdminKeyFile != "" {
		if _, err := os.Stat(c.Auth.AdminKeyFile); err != nil {
			return fmt.Errorf("admin key file not found: %s", c.Auth.AdminKeyFile)
		}
	}

	return nil
}

// Helper functions for environment variable parsing
// signatureComponents are the covered components the verifier can rebuild
var signatureComponents = map[string]bool{
	"@method":        true,
	"@target-uri":    true,
	"@authority":     true,
	"content-digest": true,
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// loadMetricsFromEnv loads metrics configuration from environment variables
func loadMetricsFromEnv(cfg *Config) {
	if getBoolEnv("A2A_METRICS_ENABLED", false) {
		log.Printf("INFO: Metrics enabled via environment variable")

		if cfg.Metrics == nil {
			cfg.Metrics = &MetricsConfig{}
		}
		cfg.Metrics.Enabled = true
	}
}
