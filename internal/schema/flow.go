// Package schema defines the canonical record types for NetSentry.
// All inbound telemetry is normalized to these structures before storage.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// FlowRecord is one observed network flow window. Records are created by
// the flow normalizer and immutable afterwards.
type FlowRecord struct {
	ID          uuid.UUID  `json:"id"`
	SrcIP       string     `json:"src_ip" validate:"omitempty,max=64"`
	DstIP       string     `json:"dst_ip" validate:"omitempty,max=64"`
	SrcPort     int        `json:"src_port" validate:"min=0,max=65535"`
	DstPort     int        `json:"dst_port" validate:"min=0,max=65535"`
	Protocol    string     `json:"proto" validate:"max=32"`
	TimeBucket  string     `json:"time_bucket" validate:"max=64"`
	StartTime   time.Time  `json:"start_time" validate:"required"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Duration    float64    `json:"duration"`
	PacketCount int64      `json:"packet_count"`
	ByteCount   int64      `json:"byte_count"`
	PPS         float64    `json:"pps"`
	BPS         float64    `json:"bps"`
}

// Flow timestamp layouts. Inbound telemetry carries either an RFC 3339
// timestamp with a zone offset or a bare local date-time; the bare form is
// interpreted as UTC.
const naiveTimeLayout = "2006-01-02T15:04:05.999999999"

// ParseFlowTime parses a flow timestamp in either accepted format.
func ParseFlowTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveTimeLayout, s, time.UTC)
}
