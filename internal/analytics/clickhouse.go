// Package analytics is the ClickHouse sink: accepted flows are queued,
// batched and written for retention-scale queries, off the operational
// store's hot path.
package analytics

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"netsentry/internal/config"
)

// Client wraps the ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config config.ClickHouseConfig
}

// NewClient opens and verifies a ClickHouse connection.
func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &Client{conn: conn, config: cfg}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Conn returns the underlying connection.
func (c *Client) Conn() driver.Conn {
	return c.conn
}

// PrepareBatch prepares a batch for insertion.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureSchema creates the flows table if it doesn't exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id          UUID,
			src_ip      String,
			dst_ip      String,
			src_port    UInt16,
			dst_port    UInt16,
			proto       LowCardinality(String),
			time_bucket String,
			start_time  DateTime64(9, 'UTC'),
			end_time    Nullable(DateTime64(9, 'UTC')),
			duration    Float64,
			packet_count Int64,
			byte_count  Int64,
			pps         Float64,
			bps         Float64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(start_time)
		ORDER BY (start_time, src_ip, dst_ip)
	`)
}
