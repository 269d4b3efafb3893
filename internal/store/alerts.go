package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

const alertColumns = `id, score_id, device_id, ts, severity, reason, evidence, status`

// InsertAlert persists a new alert. The score_id uniqueness constraint
// rejects a second alert for the same score; that case surfaces as
// ErrConflict so a racing correlator can treat it as already-raised.
func (s *Store) InsertAlert(ctx context.Context, alert *schema.Alert) error {
	var deviceID any
	if alert.DeviceID != nil {
		deviceID = alert.DeviceID.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID.String(), alert.ScoreID.String(), deviceID,
		alert.Timestamp.UTC(), string(alert.Severity), alert.Reason,
		alert.Evidence, string(alert.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("InsertAlert", "alerts", ErrConflict)
		}
		return NewStoreError("InsertAlert", "alerts", err)
	}
	return nil
}

// GetAlert returns one alert by ID.
func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*schema.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id.String())
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("GetAlert", "alerts", id.String())
	}
	if err != nil {
		return nil, NewStoreError("GetAlert", "alerts", err)
	}
	return alert, nil
}

// LatestAlertBefore returns the timestamp of the most recent alert at or
// before ts, or nil if none exists.
func (s *Store) LatestAlertBefore(ctx context.Context, ts time.Time) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM alerts WHERE ts <= ?`, ts.UTC()).Scan(&last)
	if err != nil {
		return nil, NewStoreError("LatestAlertBefore", "alerts", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := parseStoredTime(last.String)
	if err != nil {
		return nil, NewStoreError("LatestAlertBefore", "alerts", err)
	}
	return &t, nil
}

// SetAlertStatus updates an alert's lifecycle status.
func (s *Store) SetAlertStatus(ctx context.Context, id uuid.UUID, status schema.AlertStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return NewStoreError("SetAlertStatus", "alerts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return WrapNotFoundError("SetAlertStatus", "alerts", id.String())
	}
	return nil
}

// InsertDelivery persists one user's delivery record for an alert.
func (s *Store) InsertDelivery(ctx context.Context, d *schema.UserAlertDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_alerts (id, user_id, alert_id, notified_at, read, channel, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.UserID.String(), d.AlertID.String(),
		d.NotifiedAt.UTC(), d.Read, d.Channel, d.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("InsertDelivery", "user_alerts", ErrConflict)
		}
		return NewStoreError("InsertDelivery", "user_alerts", err)
	}
	return nil
}

// GetDelivery returns one delivery owned by the given user.
func (s *Store) GetDelivery(ctx context.Context, id, userID uuid.UUID) (*schema.UserAlertDelivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, alert_id, notified_at, read, channel, status
		FROM user_alerts WHERE id = ? AND user_id = ?`,
		id.String(), userID.String())
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("GetDelivery", "user_alerts", id.String())
	}
	if err != nil {
		return nil, NewStoreError("GetDelivery", "user_alerts", err)
	}
	return d, nil
}

// DeliveriesForUser returns a user's deliveries newest first, capped at
// limit.
func (s *Store) DeliveriesForUser(ctx context.Context, userID uuid.UUID, limit int) ([]schema.UserAlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, alert_id, notified_at, read, channel, status
		FROM user_alerts WHERE user_id = ?
		ORDER BY notified_at DESC, id DESC
		LIMIT ?`, userID.String(), limit)
	if err != nil {
		return nil, NewStoreError("DeliveriesForUser", "user_alerts", err)
	}
	defer rows.Close()

	var deliveries []schema.UserAlertDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, NewStoreError("DeliveriesForUser", "user_alerts", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("DeliveriesForUser", "user_alerts", err)
	}
	return deliveries, nil
}

// MarkDeliveryRead marks a delivery read for its owning user and returns
// the updated row.
func (s *Store) MarkDeliveryRead(ctx context.Context, id, userID uuid.UUID) (*schema.UserAlertDelivery, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_alerts SET read = 1, status = ? WHERE id = ? AND user_id = ?`,
		schema.DeliveryStatusSent, id.String(), userID.String())
	if err != nil {
		return nil, NewStoreError("MarkDeliveryRead", "user_alerts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, WrapNotFoundError("MarkDeliveryRead", "user_alerts", id.String())
	}
	return s.GetDelivery(ctx, id, userID)
}

func scanAlert(r rowScanner) (*schema.Alert, error) {
	var (
		alert    schema.Alert
		id       string
		scoreID  string
		deviceID sql.NullString
		severity string
		status   string
	)
	if err := r.Scan(&id, &scoreID, &deviceID, &alert.Timestamp,
		&severity, &alert.Reason, &alert.Evidence, &status); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	alert.ID = parsed

	if alert.ScoreID, err = uuid.Parse(scoreID); err != nil {
		return nil, err
	}
	if deviceID.Valid {
		did, err := uuid.Parse(deviceID.String)
		if err != nil {
			return nil, err
		}
		alert.DeviceID = &did
	}
	alert.Severity = schema.AlertSeverity(severity)
	alert.Status = schema.AlertStatus(status)
	return &alert, nil
}

func scanDelivery(r rowScanner) (*schema.UserAlertDelivery, error) {
	var (
		d       schema.UserAlertDelivery
		id      string
		userID  string
		alertID string
	)
	if err := r.Scan(&id, &userID, &alertID, &d.NotifiedAt,
		&d.Read, &d.Channel, &d.Status); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	d.ID = parsed

	if d.UserID, err = uuid.Parse(userID); err != nil {
		return nil, err
	}
	if d.AlertID, err = uuid.Parse(alertID); err != nil {
		return nil, err
	}
	return &d, nil
}
