// Package correlation turns scored flow results into alerts. A run is the
// maximal sequence of consecutive anomalous results since the last
// confirmed-normal result; three anomalous results inside one run raise
// exactly one alert.
package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/devices"
	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Run length that triggers an alert.
const runThreshold = 3

// Default annotations when the scorer supplies none.
const (
	defaultReason        = "Anomaly detected by ML"
	externalAccessReason = "External access detected"
	defaultSeverity      = schema.SeverityHigh
)

// AlertHandler receives newly created alerts. Handlers run in
// registration order; a handler error is logged, never propagated.
type AlertHandler func(ctx context.Context, alert *schema.Alert, device *schema.Device) error

// Engine is the anomaly correlator.
//
// Run state is query-derived: the run boundary is recomputed from the
// store on every event (latest normal score, latest alert) instead of
// being tracked in memory. That keeps the decision race-tolerant under
// the one-alert-per-score constraint and survives restarts for free.
type Engine struct {
	store    *store.Store
	resolver *devices.Resolver
	logger   *slog.Logger
	handlers []AlertHandler
	now      func() time.Time
}

// NewEngine creates a correlation engine.
func NewEngine(st *store.Store, resolver *devices.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		resolver: resolver,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnAlert registers a handler for newly created alerts.
func (e *Engine) OnAlert(h AlertHandler) {
	if h != nil {
		e.handlers = append(e.handlers, h)
	}
}

// observation is one scored result flattened for processing, whether it
// came from the scorer feed or the external-access fast path.
type observation struct {
	flow             *schema.FlowRecord
	ts               time.Time
	isoScore         float64
	rfScore          float64
	hybridScore      float64
	modelFlag        bool
	explicitDeviceID string
	severity         string
	reason           string
	evidence         string
}

// HandleResultMessage consumes one scoring-result payload from the bus.
// Malformed or unresolvable payloads are dropped with a warning; they
// never fail the feed.
func (e *Engine) HandleResultMessage(ctx context.Context, topic string, payload []byte) error {
	var res schema.ScoringResult
	if err := json.Unmarshal(payload, &res); err != nil {
		e.logger.Warn("dropping unparseable scoring result",
			"topic", topic,
			"error", err,
			"payload_bytes", len(payload),
		)
		return nil
	}
	return e.HandleResult(ctx, &res)
}

// HandleResult processes one scored result.
func (e *Engine) HandleResult(ctx context.Context, res *schema.ScoringResult) error {
	flowID, err := uuid.Parse(res.PacketMetaID)
	if err != nil {
		e.logger.Warn("dropping scoring result with malformed flow id",
			"packet_meta_id", res.PacketMetaID,
		)
		return nil
	}

	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		if store.IsNotFound(err) {
			e.logger.Warn("dropping scoring result for unknown flow",
				"flow_id", flowID,
			)
			return nil
		}
		return fmt.Errorf("load flow %s: %w", flowID, err)
	}

	return e.process(ctx, observation{
		flow:             flow,
		ts:               res.Timestamp,
		isoScore:         res.IsoScore,
		rfScore:          res.RFScore,
		hybridScore:      res.HybridScore,
		modelFlag:        res.IsAnomaly,
		explicitDeviceID: res.DeviceID,
		severity:         res.Severity,
		reason:           res.Reason,
		evidence:         res.Evidence,
	})
}

// CheckExternalAccess runs the correlation fast path for a freshly
// persisted flow: if the flow touches an external address it is scored
// anomalous immediately, without waiting on the scorer round trip.
func (e *Engine) CheckExternalAccess(ctx context.Context, flow *schema.FlowRecord) error {
	external, err := e.resolver.FindExternalAddress(ctx, flow)
	if err != nil {
		return fmt.Errorf("classify flow %s: %w", flow.ID, err)
	}
	if external == "" {
		return nil
	}

	e.logger.Info("external access detected",
		"flow_id", flow.ID,
		"external_address", external,
	)

	return e.process(ctx, observation{
		flow: flow,
		ts:   e.now(),
	})
}

// process applies the run rule to one observation.
func (e *Engine) process(ctx context.Context, obs observation) error {
	external, err := e.resolver.FindExternalAddress(ctx, obs.flow)
	if err != nil {
		return fmt.Errorf("classify flow %s: %w", obs.flow.ID, err)
	}

	isAnomaly := obs.modelFlag || external != ""

	score, err := e.store.UpsertScore(ctx, &schema.AnomalyScore{
		FlowID:      obs.flow.ID,
		Timestamp:   obs.ts,
		IsoScore:    obs.isoScore,
		RFScore:     obs.rfScore,
		HybridScore: obs.hybridScore,
		IsAnomaly:   isAnomaly,
	})
	if err != nil {
		return fmt.Errorf("upsert score for flow %s: %w", obs.flow.ID, err)
	}

	if !isAnomaly {
		e.logger.Debug("score recorded, not anomalous",
			"flow_id", obs.flow.ID,
			"ts", obs.ts,
		)
		return nil
	}

	baseline := time.Unix(0, 0).UTC()
	lastNormal, err := e.store.LastNormalBefore(ctx, obs.ts)
	if err != nil {
		return fmt.Errorf("run baseline: %w", err)
	}
	if lastNormal != nil {
		baseline = lastNormal.Add(time.Nanosecond)
	}

	anoms, err := e.store.AnomalousBetween(ctx, baseline, obs.ts, runThreshold)
	if err != nil {
		return fmt.Errorf("count run: %w", err)
	}
	if len(anoms) < runThreshold {
		e.logger.Info("anomalous score recorded, run below threshold",
			"flow_id", obs.flow.ID,
			"run_length", len(anoms),
			"baseline", baseline,
		)
		return nil
	}

	lastAlert, err := e.store.LatestAlertBefore(ctx, obs.ts)
	if err != nil {
		return fmt.Errorf("run alert lookup: %w", err)
	}
	if lastAlert != nil && !lastAlert.Before(baseline) {
		e.logger.Info("run already alerted, suppressing",
			"flow_id", obs.flow.ID,
			"last_alert", *lastAlert,
			"baseline", baseline,
		)
		return nil
	}

	return e.raiseAlert(ctx, score, obs, external)
}

// raiseAlert creates the alert for a completed run and fans it out.
func (e *Engine) raiseAlert(ctx context.Context, score *schema.AnomalyScore, obs observation, external string) error {
	device, err := e.resolver.Resolve(ctx, obs.explicitDeviceID, obs.flow)
	if err != nil {
		return fmt.Errorf("resolve device for flow %s: %w", obs.flow.ID, err)
	}

	severity := defaultSeverity
	reason := defaultReason
	if external != "" {
		reason = externalAccessReason
	} else {
		if obs.severity != "" {
			severity = schema.AlertSeverity(obs.severity)
		}
		if obs.reason != "" {
			reason = obs.reason
		}
	}

	alert := &schema.Alert{
		ID:        uuid.New(),
		ScoreID:   score.ID,
		Timestamp: obs.ts,
		Severity:  severity,
		Reason:    reason,
		Evidence:  e.buildEvidence(obs, external),
		Status:    schema.AlertStatusNew,
	}
	if device != nil {
		id := device.ID
		alert.DeviceID = &id
	}

	if err := e.store.InsertAlert(ctx, alert); err != nil {
		if store.IsConflict(err) {
			// A racing result for the same score won; that alert stands.
			e.logger.Info("alert already exists for score",
				"score_id", score.ID,
			)
			return nil
		}
		return fmt.Errorf("insert alert: %w", err)
	}

	if err := e.store.LinkAlert(ctx, score.ID, alert.ID); err != nil {
		return fmt.Errorf("link alert %s: %w", alert.ID, err)
	}

	e.logger.Info("alert raised",
		"alert_id", alert.ID,
		"flow_id", obs.flow.ID,
		"severity", alert.Severity,
		"reason", alert.Reason,
		"device_resolved", device != nil,
	)

	for _, h := range e.handlers {
		if err := h(ctx, alert, device); err != nil {
			e.logger.Error("alert handler failed",
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}
	return nil
}

type evidencePayload struct {
	FlowID          uuid.UUID `json:"flow_id"`
	SrcIP           string    `json:"src_ip,omitempty"`
	DstIP           string    `json:"dst_ip,omitempty"`
	Protocol        string    `json:"proto,omitempty"`
	ExternalAddress string    `json:"external_address,omitempty"`
	IsoScore        float64   `json:"iso_score"`
	RFScore         float64   `json:"rf_score"`
	HybridScore     float64   `json:"hybrid_score"`
	ModelFlag       bool      `json:"model_flag"`
	Detail          string    `json:"detail,omitempty"`
}

func (e *Engine) buildEvidence(obs observation, external string) string {
	p := evidencePayload{
		FlowID:          obs.flow.ID,
		SrcIP:           obs.flow.SrcIP,
		DstIP:           obs.flow.DstIP,
		Protocol:        obs.flow.Protocol,
		ExternalAddress: external,
		IsoScore:        obs.isoScore,
		RFScore:         obs.rfScore,
		HybridScore:     obs.hybridScore,
		ModelFlag:       obs.modelFlag,
		Detail:          obs.evidence,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return obs.evidence
	}
	return string(data)
}
