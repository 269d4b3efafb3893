package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected rate limiting off by default")
	}
	if cfg.Server.RateLimit.RequestsPerIP != 300 {
		t.Errorf("expected RequestsPerIP 300, got %d", cfg.Server.RateLimit.RequestsPerIP)
	}

	if len(cfg.Bus.Brokers) != 0 {
		t.Errorf("expected no brokers by default, got %v", cfg.Bus.Brokers)
	}
	if cfg.Bus.Topics.Flows != "net/flows" {
		t.Errorf("expected flows topic 'net/flows', got %s", cfg.Bus.Topics.Flows)
	}
	if cfg.Bus.Topics.ScoringResults != "ml/results" {
		t.Errorf("expected results topic 'ml/results', got %s", cfg.Bus.Topics.ScoringResults)
	}

	if cfg.Store.Path != "data/netsentry.db" {
		t.Errorf("expected default store path, got %s", cfg.Store.Path)
	}

	if cfg.Analytics.Enabled {
		t.Error("expected analytics off by default")
	}
	if cfg.Queue.Size != 100000 {
		t.Errorf("expected Queue.Size 100000, got %d", cfg.Queue.Size)
	}
	if cfg.Consumer.Workers != 4 {
		t.Errorf("expected 4 consumer workers, got %d", cfg.Consumer.Workers)
	}

	if cfg.Ingest.MaxBatchSize != 1000 {
		t.Errorf("expected MaxBatchSize 1000, got %d", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Ingest.TCP.Enabled || cfg.Ingest.DTLS.Enabled {
		t.Error("expected direct-ingest listeners off by default")
	}

	if cfg.Live.Window != 15*time.Minute {
		t.Errorf("expected live window 15m, got %v", cfg.Live.Window)
	}
	if cfg.Live.MaxPoints != 300 {
		t.Errorf("expected live max points 300, got %d", cfg.Live.MaxPoints)
	}
	if cfg.Live.PushInterval != 5*time.Second {
		t.Errorf("expected push interval 5s, got %v", cfg.Live.PushInterval)
	}

	if cfg.Auth.Enabled {
		t.Error("expected auth off by default")
	}
	if cfg.Archive.Enabled {
		t.Error("expected archive off by default")
	}
	if cfg.Archive.RetentionAge != 30*24*time.Hour {
		t.Errorf("expected retention 720h, got %v", cfg.Archive.RetentionAge)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"too high port", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.HTTPPort = tt.port
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error for invalid port")
			}
		})
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero queue size", func(c *Config) { c.Queue.Size = 0 }},
		{"zero live max points", func(c *Config) { c.Live.MaxPoints = 0 }},
		{"zero push interval", func(c *Config) { c.Live.PushInterval = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
bus:
  brokers:
    - kafka-1:9092
  topics:
    flows: custom/flows
live:
  window: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("NETSENTRY_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected HTTPPort 9090, got %d", cfg.Server.HTTPPort)
	}
	if len(cfg.Bus.Brokers) != 1 || cfg.Bus.Brokers[0] != "kafka-1:9092" {
		t.Errorf("expected brokers from file, got %v", cfg.Bus.Brokers)
	}
	if cfg.Bus.Topics.Flows != "custom/flows" {
		t.Errorf("expected overridden flows topic, got %s", cfg.Bus.Topics.Flows)
	}
	if cfg.Live.Window != 10*time.Minute {
		t.Errorf("expected window 10m, got %v", cfg.Live.Window)
	}
	// Unset values keep their defaults.
	if cfg.Live.MaxPoints != 300 {
		t.Errorf("expected default max points, got %d", cfg.Live.MaxPoints)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("NETSENTRY_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("HTTP port override", func(t *testing.T) {
		t.Setenv("NETSENTRY_HTTP_PORT", "9000")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 9000 {
			t.Errorf("expected HTTPPort 9000, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		t.Setenv("NETSENTRY_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("brokers override", func(t *testing.T) {
		t.Setenv("NETSENTRY_BUS_BROKERS", "a:9092, b:9092")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if len(cfg.Bus.Brokers) != 2 || cfg.Bus.Brokers[1] != "b:9092" {
			t.Errorf("expected two trimmed brokers, got %v", cfg.Bus.Brokers)
		}
	})

	t.Run("jwt secret enables auth", func(t *testing.T) {
		t.Setenv("NETSENTRY_JWT_SECRET", "super-secret")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Auth.Enabled {
			t.Error("expected auth enabled when secret is set")
		}
		if cfg.Auth.JWTSecret != "super-secret" {
			t.Errorf("expected secret from env, got %q", cfg.Auth.JWTSecret)
		}
	})

	t.Run("archive bucket enables archive", func(t *testing.T) {
		t.Setenv("NETSENTRY_ARCHIVE_BUCKET", "flows-archive")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Archive.Enabled {
			t.Error("expected archive enabled when bucket is set")
		}
		if cfg.Archive.Bucket != "flows-archive" {
			t.Errorf("expected bucket from env, got %q", cfg.Archive.Bucket)
		}
	})
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		sep      string
		expected []string
	}{
		{"simple split", "a,b,c", ",", []string{"a", "b", "c"}},
		{"with spaces", "a , b , c", ",", []string{"a", "b", "c"}},
		{"empty parts filtered", "a,,b", ",", []string{"a", "b"}},
		{"single value", "single", ",", []string{"single"}},
		{"empty string", "", ",", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitAndTrim(tt.input, tt.sep)
			if len(result) != len(tt.expected) {
				t.Fatalf("splitAndTrim(%q, %q) = %v, expected %v", tt.input, tt.sep, result, tt.expected)
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("splitAndTrim(%q, %q)[%d] = %q, expected %q", tt.input, tt.sep, i, v, tt.expected[i])
				}
			}
		})
	}
}
