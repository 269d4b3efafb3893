// Package store provides the SQLite-backed operational store: flows,
// anomaly scores, alerts, deliveries and the device registry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the operational database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_loc=UTC", path)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_loc=UTC"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, WrapConnectionError("Open", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under the
	// concurrent upserts coming from bus handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			src_ip TEXT NOT NULL DEFAULT '',
			dst_ip TEXT NOT NULL DEFAULT '',
			src_port INTEGER NOT NULL DEFAULT 0,
			dst_port INTEGER NOT NULL DEFAULT 0,
			proto TEXT NOT NULL DEFAULT '',
			time_bucket TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			duration REAL NOT NULL DEFAULT 0,
			packet_count INTEGER NOT NULL DEFAULT 0,
			byte_count INTEGER NOT NULL DEFAULT 0,
			pps REAL NOT NULL DEFAULT 0,
			bps REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS scores (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL UNIQUE,
			ts DATETIME NOT NULL,
			iso_score REAL NOT NULL DEFAULT 0,
			rf_score REAL NOT NULL DEFAULT 0,
			hybrid_score REAL NOT NULL DEFAULT 0,
			is_anom INTEGER NOT NULL DEFAULT 0,
			alert_id TEXT,
			FOREIGN KEY(flow_id) REFERENCES flows(id)
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			score_id TEXT NOT NULL UNIQUE,
			device_id TEXT,
			ts DATETIME NOT NULL,
			severity TEXT NOT NULL,
			reason TEXT NOT NULL,
			evidence TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'NEW',
			FOREIGN KEY(score_id) REFERENCES scores(id)
		);`,
		`CREATE TABLE IF NOT EXISTS user_alerts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			alert_id TEXT NOT NULL,
			notified_at DATETIME NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			UNIQUE(user_id, alert_id),
			FOREIGN KEY(alert_id) REFERENCES alerts(id)
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			mac_address TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'connect',
			discovered INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_links (
			device_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY(device_id, user_id),
			FOREIGN KEY(device_id) REFERENCES devices(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_src_time ON flows(src_ip, start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_dst_time ON flows(dst_ip, start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_start_time ON flows(start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_scores_anom_ts ON scores(is_anom, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_user_alerts_user ON user_alerts(user_id, notified_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return NewStoreError("Migrate", "", err)
		}
	}
	return nil
}

// storedTimeLayouts are the formats the driver writes DATETIME values in.
// Aggregate expressions like MAX(ts) lose the column decltype, so those
// results come back as strings and are parsed here.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseStoredTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range storedTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// DB exposes the underlying handle for collaborators that need raw
// queries (archive sweeps).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
