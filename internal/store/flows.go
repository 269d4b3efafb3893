package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

const flowColumns = `id, src_ip, dst_ip, src_port, dst_port, proto, time_bucket,
	start_time, end_time, duration, packet_count, byte_count, pps, bps`

// InsertFlows persists a batch of flow records in one transaction.
func (s *Store) InsertFlows(ctx context.Context, flows []schema.FlowRecord) error {
	if len(flows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("InsertFlows", "flows", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flows (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return NewStoreError("InsertFlows", "flows", err)
	}
	defer stmt.Close()

	for _, f := range flows {
		var end any
		if f.EndTime != nil {
			end = f.EndTime.UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID.String(), f.SrcIP, f.DstIP, f.SrcPort, f.DstPort, f.Protocol,
			f.TimeBucket, f.StartTime.UTC(), end, f.Duration,
			f.PacketCount, f.ByteCount, f.PPS, f.BPS,
		); err != nil {
			return NewStoreError("InsertFlows", "flows", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("InsertFlows", "flows", err)
	}
	return nil
}

// GetFlow returns one flow record by ID.
func (s *Store) GetFlow(ctx context.Context, id uuid.UUID) (*schema.FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id.String())
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("GetFlow", "flows", id.String())
	}
	if err != nil {
		return nil, NewStoreError("GetFlow", "flows", err)
	}
	return f, nil
}

// BucketedTraffic aggregates flows touching addr since the window start
// into one-second buckets, summing pps and bps, oldest first, capped at
// maxPoints.
func (s *Store) BucketedTraffic(ctx context.Context, addr string, since time.Time, maxPoints int) ([]schema.TrafficPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT%H:%M:%S', start_time) AS bucket,
		       SUM(pps), SUM(bps)
		FROM flows
		WHERE (src_ip = ? OR dst_ip = ?) AND start_time >= ?
		GROUP BY bucket
		ORDER BY bucket ASC
		LIMIT ?`,
		addr, addr, since.UTC(), maxPoints)
	if err != nil {
		return nil, NewStoreError("BucketedTraffic", "flows", err)
	}
	defer rows.Close()

	var points []schema.TrafficPoint
	for rows.Next() {
		var bucket string
		var p schema.TrafficPoint
		if err := rows.Scan(&bucket, &p.PPS, &p.BPS); err != nil {
			return nil, NewStoreError("BucketedTraffic", "flows", err)
		}
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", bucket, time.UTC)
		if err != nil {
			return nil, NewStoreError("BucketedTraffic", "flows", err)
		}
		p.Timestamp = ts
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("BucketedTraffic", "flows", err)
	}
	return points, nil
}

// FlowsOlderThan returns flow records with a start time before the cutoff,
// oldest first, capped at limit. Used by the archive sweep.
func (s *Store) FlowsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]schema.FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE start_time < ?
		 ORDER BY start_time ASC LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, NewStoreError("FlowsOlderThan", "flows", err)
	}
	defer rows.Close()

	var flows []schema.FlowRecord
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, NewStoreError("FlowsOlderThan", "flows", err)
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("FlowsOlderThan", "flows", err)
	}
	return flows, nil
}

// DeleteFlows removes the given flows and any scores referencing them.
// Flows whose score carries an alert are left in place so alert evidence
// stays resolvable.
func (s *Store) DeleteFlows(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStoreError("DeleteFlows", "flows", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, id := range ids {
		var alerted int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scores WHERE flow_id = ? AND alert_id IS NOT NULL`,
			id.String()).Scan(&alerted)
		if err != nil {
			return 0, NewStoreError("DeleteFlows", "scores", err)
		}
		if alerted > 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE flow_id = ?`, id.String()); err != nil {
			return 0, NewStoreError("DeleteFlows", "scores", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id.String())
		if err != nil {
			return 0, NewStoreError("DeleteFlows", "flows", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStoreError("DeleteFlows", "flows", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (*schema.FlowRecord, error) {
	var (
		f   schema.FlowRecord
		id  string
		end sql.NullTime
	)
	if err := r.Scan(&id, &f.SrcIP, &f.DstIP, &f.SrcPort, &f.DstPort,
		&f.Protocol, &f.TimeBucket, &f.StartTime, &end, &f.Duration,
		&f.PacketCount, &f.ByteCount, &f.PPS, &f.BPS); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	f.ID = parsed
	if end.Valid {
		t := end.Time
		f.EndTime = &t
	}
	return &f, nil
}
