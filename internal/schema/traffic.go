package schema

import (
	"time"

	"github.com/google/uuid"
)

// TrafficPoint is one one-second bucket of traffic for a device address,
// with packet and byte rates summed across the flows in the bucket.
type TrafficPoint struct {
	Timestamp time.Time `json:"timestamp"`
	PPS       float64   `json:"pps"`
	BPS       float64   `json:"bps"`
}

// Traffic stream message types.
const (
	TrafficMessageSnapshot = "snapshot"
	TrafficMessageDelta    = "delta"
)

// TrafficMessage is one frame on the per-device traffic stream. A session
// receives one snapshot on connect and deltas thereafter.
type TrafficMessage struct {
	Type        string         `json:"type"`
	DeviceID    uuid.UUID      `json:"deviceId"`
	WindowStart time.Time      `json:"windowStart"`
	Points      []TrafficPoint `json:"points"`
}

// AlertEvent is the payload of one named "alert" event on a user's alert
// stream.
type AlertEvent struct {
	ID             uuid.UUID  `json:"id"`
	DeviceID       *uuid.UUID `json:"deviceId,omitempty"`
	Reason         string     `json:"reason"`
	Severity       string     `json:"severity"`
	Timestamp      time.Time  `json:"timestamp"`
	Status         string     `json:"status"`
	DeliveryStatus string     `json:"deliveryStatus"`
	Read           bool       `json:"read"`
}
