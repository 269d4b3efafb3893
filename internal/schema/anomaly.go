package schema

import (
	"time"

	"github.com/google/uuid"
)

// AnomalyScore holds the scored result for a single flow. At most one score
// exists per FlowRecord; repeated results for the same flow update the row.
type AnomalyScore struct {
	ID          uuid.UUID  `json:"id"`
	FlowID      uuid.UUID  `json:"flow_id" validate:"required"`
	Timestamp   time.Time  `json:"ts"`
	IsoScore    float64    `json:"iso_score"`
	RFScore     float64    `json:"rf_score"`
	HybridScore float64    `json:"hybrid_score"`
	IsAnomaly   bool       `json:"is_anom"`
	AlertID     *uuid.UUID `json:"alert_id,omitempty"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "NEW"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
)

// IsValid checks if the alert status is a valid value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged:
		return true
	}
	return false
}

// AlertSeverity levels carried on alerts. Scoring results may supply their
// own severity string; heuristic-driven alerts always use high.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is raised at most once per AnomalyScore. DeviceID is nullable: a
// flow that resolves to no registered device still produces an alert, it
// just has no fan-out target.
type Alert struct {
	ID        uuid.UUID     `json:"id"`
	ScoreID   uuid.UUID     `json:"score_id" validate:"required"`
	DeviceID  *uuid.UUID    `json:"device_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  AlertSeverity `json:"severity"`
	Reason    string        `json:"reason"`
	Evidence  string        `json:"evidence,omitempty"`
	Status    AlertStatus   `json:"status"`
}

// Delivery channel and status constants for user alert deliveries.
const (
	DeliveryChannelInApp  = "IN_APP"
	DeliveryStatusPending = "PENDING"
	DeliveryStatusSent    = "SENT"
)

// UserAlertDelivery records one user's copy of an alert: one row per
// (user, alert) pair, created by fan-out for every user linked to the
// affected device.
type UserAlertDelivery struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id" validate:"required"`
	AlertID    uuid.UUID `json:"alert_id" validate:"required"`
	NotifiedAt time.Time `json:"notified_at"`
	Read       bool      `json:"read"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
}
