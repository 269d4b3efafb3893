package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

const scoreColumns = `id, flow_id, ts, iso_score, rf_score, hybrid_score, is_anom, alert_id`

// UpsertScore creates or updates the anomaly score for a flow. The flow_id
// uniqueness constraint guarantees a single row per flow: a second result
// for the same flow updates the timestamp, scores and flag in place while
// keeping the row identity and any alert link. The stored row is returned.
func (s *Store) UpsertScore(ctx context.Context, score *schema.AnomalyScore) (*schema.AnomalyScore, error) {
	if score.FlowID == uuid.Nil {
		return nil, NewStoreError("UpsertScore", "scores", ErrInvalidData)
	}

	id := score.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (id, flow_id, ts, iso_score, rf_score, hybrid_score, is_anom)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			ts = excluded.ts,
			iso_score = excluded.iso_score,
			rf_score = excluded.rf_score,
			hybrid_score = excluded.hybrid_score,
			is_anom = excluded.is_anom`,
		id.String(), score.FlowID.String(), score.Timestamp.UTC(),
		score.IsoScore, score.RFScore, score.HybridScore, score.IsAnomaly)
	if err != nil {
		return nil, NewStoreError("UpsertScore", "scores", err)
	}

	return s.ScoreByFlow(ctx, score.FlowID)
}

// ScoreByFlow returns the score row for a flow.
func (s *Store) ScoreByFlow(ctx context.Context, flowID uuid.UUID) (*schema.AnomalyScore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM scores WHERE flow_id = ?`, flowID.String())
	score, err := scanScore(row)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("ScoreByFlow", "scores", flowID.String())
	}
	if err != nil {
		return nil, NewStoreError("ScoreByFlow", "scores", err)
	}
	return score, nil
}

// LastNormalBefore returns the timestamp of the most recent non-anomalous
// score strictly before ts, or nil if none exists.
func (s *Store) LastNormalBefore(ctx context.Context, ts time.Time) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM scores WHERE is_anom = 0 AND ts < ?`, ts.UTC()).Scan(&last)
	if err != nil {
		return nil, NewStoreError("LastNormalBefore", "scores", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := parseStoredTime(last.String)
	if err != nil {
		return nil, NewStoreError("LastNormalBefore", "scores", err)
	}
	return &t, nil
}

// AnomalousBetween returns anomalous scores with ts in [from, to], ordered
// by (ts desc, id desc), capped at limit. The descending identifier breaks
// ties between identical timestamps deterministically.
func (s *Store) AnomalousBetween(ctx context.Context, from, to time.Time, limit int) ([]schema.AnomalyScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM scores
		 WHERE is_anom = 1 AND ts >= ? AND ts <= ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, NewStoreError("AnomalousBetween", "scores", err)
	}
	defer rows.Close()

	var scores []schema.AnomalyScore
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, NewStoreError("AnomalousBetween", "scores", err)
		}
		scores = append(scores, *score)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("AnomalousBetween", "scores", err)
	}
	return scores, nil
}

// LinkAlert records the back-reference from a score to the alert it
// produced.
func (s *Store) LinkAlert(ctx context.Context, scoreID, alertID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scores SET alert_id = ? WHERE id = ?`,
		alertID.String(), scoreID.String())
	if err != nil {
		return NewStoreError("LinkAlert", "scores", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return WrapNotFoundError("LinkAlert", "scores", scoreID.String())
	}
	return nil
}

// DailyAnomalyCount is one day's anomalous-score total.
type DailyAnomalyCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// DailyAnomalyCounts returns anomalous-score counts per day for the last
// N days, oldest first.
func (s *Store) DailyAnomalyCounts(ctx context.Context, days int) ([]DailyAnomalyCount, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', ts) AS day, COUNT(*)
		FROM scores
		WHERE is_anom = 1 AND ts >= ?
		GROUP BY day
		ORDER BY day ASC`, since)
	if err != nil {
		return nil, NewStoreError("DailyAnomalyCounts", "scores", err)
	}
	defer rows.Close()

	var counts []DailyAnomalyCount
	for rows.Next() {
		var c DailyAnomalyCount
		if err := rows.Scan(&c.Day, &c.Count); err != nil {
			return nil, NewStoreError("DailyAnomalyCounts", "scores", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("DailyAnomalyCounts", "scores", err)
	}
	return counts, nil
}

func scanScore(r rowScanner) (*schema.AnomalyScore, error) {
	var (
		score   schema.AnomalyScore
		id      string
		flowID  string
		alertID sql.NullString
		isAnom  bool
	)
	if err := r.Scan(&id, &flowID, &score.Timestamp, &score.IsoScore,
		&score.RFScore, &score.HybridScore, &isAnom, &alertID); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	score.ID = parsed

	if score.FlowID, err = uuid.Parse(flowID); err != nil {
		return nil, err
	}
	score.IsAnomaly = isAnom

	if alertID.Valid {
		aid, err := uuid.Parse(alertID.String)
		if err != nil {
			return nil, err
		}
		score.AlertID = &aid
	}
	return &score, nil
}
