// Package bus provides the Kafka-backed message bus client for NetSentry:
// per-feed consumers with topic dispatch and a shared best-effort producer.
package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Topics names the logical feeds the subsystem speaks.
type Topics struct {
	// Flows is the inbound flow-telemetry feed (JSON Lines).
	Flows string `json:"flows" yaml:"flows"`

	// Discovery is the inbound device-discovery feed.
	Discovery string `json:"discovery" yaml:"discovery"`

	// ScoringRequests is the outbound feed of normalized flow batches.
	ScoringRequests string `json:"scoring_requests" yaml:"scoring_requests"`

	// ScoringResults is the inbound feed of scored results.
	ScoringResults string `json:"scoring_results" yaml:"scoring_results"`

	// Block is the outbound mitigation-command feed.
	Block string `json:"block" yaml:"block"`
}

// Config holds bus connection and behavior configuration.
type Config struct {
	// Brokers is the list of Kafka broker addresses. An empty list means
	// the bus is not configured, which is a valid steady state: the
	// client starts as a no-op.
	Brokers []string `json:"brokers" yaml:"brokers"`

	// ConsumerGroup is the consumer group ID.
	ConsumerGroup string `json:"consumer_group" yaml:"consumer_group"`

	Topics Topics `json:"topics" yaml:"topics"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `json:"security_protocol" yaml:"security_protocol"`

	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512.
	SASLMechanism string `json:"sasl_mechanism,omitempty" yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string `json:"sasl_username,omitempty" yaml:"sasl_username,omitempty"`
	SASLPassword  string `json:"sasl_password,omitempty" yaml:"sasl_password,omitempty"`

	// TLS configuration.
	TLSEnabled    bool   `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile   string `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`

	// Producer settings.
	ProducerBatchSize    int           `json:"producer_batch_size" yaml:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `json:"producer_batch_timeout" yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `json:"producer_max_retries" yaml:"producer_max_retries"`
	ProducerRetryBackoff time.Duration `json:"producer_retry_backoff" yaml:"producer_retry_backoff"`
	RequiredAcks         int           `json:"required_acks" yaml:"required_acks"`

	// Consumer settings.
	ConsumerMinBytes int           `json:"consumer_min_bytes" yaml:"consumer_min_bytes"`
	ConsumerMaxBytes int           `json:"consumer_max_bytes" yaml:"consumer_max_bytes"`
	ConsumerMaxWait  time.Duration `json:"consumer_max_wait" yaml:"consumer_max_wait"`
	CommitInterval   time.Duration `json:"commit_interval" yaml:"commit_interval"`
	StartOffset      int64         `json:"start_offset" yaml:"start_offset"`

	// Reconnect backoff bounds for the consume loops. The loop backs off
	// exponentially from Min to Max on fetch failures and resets on the
	// next successful fetch.
	ReconnectMinBackoff time.Duration `json:"reconnect_min_backoff" yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `json:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`

	// Connection settings.
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults. Brokers are left
// empty so a bare deployment starts with the bus disabled.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup: "netsentry",
		Topics: Topics{
			Flows:           "net/flows",
			Discovery:       "net/devices",
			ScoringRequests: "ml/requests",
			ScoringResults:  "ml/results",
			Block:           "net/block",
		},
		SecurityProtocol:     "PLAINTEXT",
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		ProducerRetryBackoff: 100 * time.Millisecond,
		RequiredAcks:         -1,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		CommitInterval:       time.Second,
		StartOffset:          kafka.LastOffset,
		ReconnectMinBackoff:  500 * time.Millisecond,
		ReconnectMaxBackoff:  30 * time.Second,
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// Configured reports whether the bus has enough configuration to connect.
func (c *Config) Configured() bool {
	return len(c.Brokers) > 0
}

// Validate checks if the configuration is valid. An unconfigured bus
// (no brokers) is valid.
func (c *Config) Validate() error {
	if !c.Configured() {
		return nil
	}

	validProtocols := map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	if !validProtocols[c.SecurityProtocol] {
		return fmt.Errorf("bus: invalid security protocol: %s", c.SecurityProtocol)
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		validMechanisms := map[string]bool{
			"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
		}
		if !validMechanisms[c.SASLMechanism] {
			return fmt.Errorf("bus: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("bus: SASL username and password required for SASL authentication")
		}
	}

	if c.ReconnectMinBackoff <= 0 || c.ReconnectMaxBackoff < c.ReconnectMinBackoff {
		return errors.New("bus: reconnect backoff bounds are invalid")
	}

	return nil
}

// GetDialer returns a configured kafka.Dialer with TLS and SASL if
// configured.
func (c *Config) GetDialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := c.getTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("bus: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		mechanism, err := c.getSASLMechanism()
		if err != nil {
			return nil, fmt.Errorf("bus: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) getTLSConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("TLS certificate verification is disabled for the bus")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (c *Config) getSASLMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: c.SASLUsername,
			Password: c.SASLPassword,
		}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}
