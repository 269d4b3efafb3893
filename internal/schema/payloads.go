package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire payloads arrive from several producers that never agreed on field
// naming, so every inbound payload type tolerates the known aliases and
// unmarshals through a raw field map.

// ErrMissingField indicates a required wire field was absent.
var ErrMissingField = errors.New("schema: missing required field")

type fieldMap map[string]json.RawMessage

func (m fieldMap) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		// Numeric values occasionally arrive where strings are expected.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func (m fieldMap) num(keys ...string) float64 {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func (m fieldMap) boolean(keys ...string) bool {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
		// 0/1 and "true"/"false" variants appear in older producers.
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f != 0
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	}
	return false
}

// FlowLine is one raw line of the inbound flow-telemetry feed.
type FlowLine struct {
	SrcIP       string
	DstIP       string
	SrcPort     int
	DstPort     int
	Protocol    string
	TimeBucket  string
	StartTime   time.Time
	EndTime     *time.Time
	Duration    float64
	PacketCount int64
	ByteCount   int64
	PPS         float64
	BPS         float64
}

// UnmarshalJSON accepts both snake_case and camelCase field names.
// A missing or unparseable start_time fails the line.
func (f *FlowLine) UnmarshalJSON(data []byte) error {
	var m fieldMap
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	startRaw := m.str("start_time", "startTime")
	if startRaw == "" {
		return fmt.Errorf("%w: start_time", ErrMissingField)
	}
	start, err := ParseFlowTime(startRaw)
	if err != nil {
		return fmt.Errorf("parse start_time %q: %w", startRaw, err)
	}

	f.SrcIP = m.str("src_ip", "srcIp")
	f.DstIP = m.str("dst_ip", "dstIp")
	f.SrcPort = int(m.num("src_port", "srcPort"))
	f.DstPort = int(m.num("dst_port", "dstPort"))
	f.Protocol = m.str("proto", "protocol")
	f.TimeBucket = m.str("time_bucket", "timeBucket")
	f.StartTime = start
	f.Duration = m.num("duration")
	f.PacketCount = int64(m.num("packet_count", "packetCount"))
	f.ByteCount = int64(m.num("byte_count", "byteCount"))
	f.PPS = m.num("pps")
	f.BPS = m.num("bps")

	if endRaw := m.str("end_time", "endTime"); endRaw != "" {
		if end, err := ParseFlowTime(endRaw); err == nil {
			f.EndTime = &end
		}
	}
	return nil
}

// ScoringResult is one inbound scored result from the ML scorer.
// PacketMetaID references the flow the score belongs to.
type ScoringResult struct {
	PacketMetaID string
	DeviceID     string
	IsoScore     float64
	RFScore      float64
	HybridScore  float64
	IsAnomaly    bool
	Severity     string
	Reason       string
	Evidence     string
	Timestamp    time.Time
}

// UnmarshalJSON accepts the scorer's field aliases. PacketMetaID is
// required; the event timestamp defaults to now when absent.
func (r *ScoringResult) UnmarshalJSON(data []byte) error {
	var m fieldMap
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	r.PacketMetaID = m.str("packet_meta_id", "packetMetaId")
	if r.PacketMetaID == "" {
		return fmt.Errorf("%w: packet_meta_id", ErrMissingField)
	}

	r.DeviceID = m.str("device_id", "deviceId")
	r.IsoScore = m.num("iso_score", "isoScore")
	r.RFScore = m.num("rf_score", "rfScore", "gbm_score", "gbmScore")
	r.HybridScore = m.num("hybrid_score", "hybridScore")
	r.IsAnomaly = m.boolean("is_anom", "isAnom")
	r.Severity = m.str("severity")
	r.Reason = m.str("reason")
	r.Evidence = m.str("evidence")

	r.Timestamp = time.Now().UTC()
	if tsRaw := m.str("ts", "timestamp"); tsRaw != "" {
		if ts, err := ParseFlowTime(tsRaw); err == nil {
			r.Timestamp = ts
		}
	}
	return nil
}

// DiscoveryPayload is one inbound device-discovery message.
type DiscoveryPayload struct {
	MACAddress string
	Name       string
	IPAddress  string
	Status     string
}

// UnmarshalJSON accepts the discovery field aliases. MACAddress is
// required; status defaults to "connect".
func (d *DiscoveryPayload) UnmarshalJSON(data []byte) error {
	var m fieldMap
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	d.MACAddress = m.str("macAddress", "mac_address", "mac")
	if d.MACAddress == "" {
		return fmt.Errorf("%w: macAddress", ErrMissingField)
	}

	d.Name = m.str("name", "device_name")
	d.IPAddress = m.str("ip", "ip_address")
	d.Status = m.str("status")
	if d.Status == "" {
		d.Status = DeviceStatusConnect
	}
	return nil
}

// BlockCommand is the outbound mitigation payload published when a user
// blocks a device.
type BlockCommand struct {
	MACAddress string `json:"macAddress"`
	IP         string `json:"ip"`
	Name       string `json:"name"`
}
