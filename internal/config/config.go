// Package config handles configuration loading for NetSentry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"netsentry/internal/bus"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Bus        bus.Config       `yaml:"bus"`
	Store      StoreConfig      `yaml:"store"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Queue      QueueConfig      `yaml:"queue"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Live       LiveConfig       `yaml:"live"`
	Auth       AuthConfig       `yaml:"auth"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Validation ValidationConfig `yaml:"validation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int             `yaml:"http_port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP request rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
}

// StoreConfig holds the operational SQLite store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AnalyticsConfig holds the ClickHouse analytics sink settings.
type AnalyticsConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// QueueConfig holds the analytics queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ConsumerConfig holds analytics consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// IngestConfig holds direct-ingest server settings for edge capture
// scripts that bypass the bus.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	TCP            TCPConfig  `yaml:"tcp"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// TCPConfig holds TCP listener settings for newline-delimited flow batches.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DTLSConfig holds DTLS (secure UDP) listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// LiveConfig holds live-delivery settings for the traffic stream.
type LiveConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxPoints    int           `yaml:"max_points"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// AuthConfig holds token verification and session storage settings.
// Tokens are issued by the account service; this subsystem only verifies.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	JWTSecret     string        `yaml:"jwt_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// ArchiveConfig holds S3 archival and retention settings for aged flow
// records.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	RetentionAge    time.Duration `yaml:"retention_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ValidationConfig holds validation settings.
type ValidationConfig struct {
	MaxFlowAge time.Duration `yaml:"max_flow_age"`
	MaxFuture  time.Duration `yaml:"max_future"`
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
				Enabled:       false,
				RequestsPerIP: 300,
				BurstSize:     50,
				WindowSize:    time.Minute,
				CleanupPeriod: 5 * time.Minute,
				ExemptPaths:   []string{"/health"},
			},
		},
		Bus: bus.DefaultConfig(),
		Store: StoreConfig{
			Path: "data/netsentry.db",
		},
		Analytics: AnalyticsConfig{
			Enabled: false,
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "netsentry",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
			TCP: TCPConfig{
				Enabled:        false,
				Address:        ":5515",
				MaxConnections: 100,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
			DTLS: DTLSConfig{
				Enabled:           false,
				Address:           ":5516",
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
			},
		},
		Live: LiveConfig{
			Window:       15 * time.Minute,
			MaxPoints:    300,
			PushInterval: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:    false,
			SessionTTL: 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Region:        "us-east-1",
			Prefix:        "flows",
			RetentionAge:  30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Validation: ValidationConfig{
			MaxFlowAge: 7 * 24 * time.Hour,
			MaxFuture:  5 * time.Minute,
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

	configPath := os.Getenv("NETSENTRY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
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
	if port := os.Getenv("NETSENTRY_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("NETSENTRY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("NETSENTRY_BUS_BROKERS"); brokers != "" {
		c.Bus.Brokers = splitAndTrim(brokers, ",")
	}

	if path := os.Getenv("NETSENTRY_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	if secret := os.Getenv("NETSENTRY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
		c.Auth.Enabled = true
	}

	if addr := os.Getenv("NETSENTRY_REDIS_ADDR"); addr != "" {
		c.Auth.RedisAddr = addr
	}

	if enabled := os.Getenv("NETSENTRY_ANALYTICS_ENABLED"); enabled == "true" {
		c.Analytics.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Analytics.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Analytics.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Analytics.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Analytics.ClickHouse.Password = pass
	}

	if bucket := os.Getenv("NETSENTRY_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
}

// splitAndTrim splits a string by separator and trims whitespace from
// each part, dropping empties.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
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

	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Live.MaxPoints <= 0 {
		return fmt.Errorf("live max_points must be positive")
	}

	if c.Live.PushInterval <= 0 {
		return fmt.Errorf("live push_interval must be positive")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	return nil
}
