// Package ingest normalizes inbound telemetry. Flow batches arrive as
// JSON Lines, either from the bus or from the direct TCP/DTLS listeners,
// and leave as persisted flow records plus a canonical batch on the
// scoring feed.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Correlator receives each persisted flow for the external-access fast
// path.
type Correlator interface {
	CheckExternalAccess(ctx context.Context, flow *schema.FlowRecord) error
}

// Publisher is the outbound side of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte)
}

// Sink accepts accepted flows for the analytics pipeline. Enqueue is
// non-blocking; false means the flow was dropped.
type Sink interface {
	Enqueue(flow schema.FlowRecord) bool
}

// NormalizerMetrics counts normalizer activity.
type NormalizerMetrics struct {
	Batches   uint64
	Lines     uint64
	Accepted  uint64
	Skipped   uint64
	SinkDrops uint64
}

// Normalizer turns raw flow lines into canonical records. Lines that
// fail to parse or validate are skipped individually; the rest of the
// batch proceeds.
type Normalizer struct {
	store        *store.Store
	validator    *schema.Validator
	correlator   Correlator
	publisher    Publisher
	sink         Sink
	scoringTopic string
	maxBatch     int
	logger       *slog.Logger

	batches   uint64
	lines     uint64
	accepted  uint64
	skipped   uint64
	sinkDrops uint64
}

// NewNormalizer creates a flow normalizer. The correlator, publisher and
// sink are each optional; a nil value disables that output.
func NewNormalizer(
	st *store.Store,
	validator *schema.Validator,
	correlator Correlator,
	publisher Publisher,
	scoringTopic string,
	maxBatch int,
	logger *slog.Logger,
) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		store:        st,
		validator:    validator,
		correlator:   correlator,
		publisher:    publisher,
		scoringTopic: scoringTopic,
		maxBatch:     maxBatch,
		logger:       logger,
	}
}

// SetSink attaches the analytics sink. Call before ingestion starts.
func (n *Normalizer) SetSink(s Sink) {
	n.sink = s
}

// HandleFlowBatch consumes one JSONL flow batch from the bus.
func (n *Normalizer) HandleFlowBatch(ctx context.Context, topic string, payload []byte) error {
	_, err := n.Ingest(ctx, payload)
	return err
}

// Ingest normalizes, persists and forwards one JSONL batch. Returns the
// number of accepted records. Only a store failure is an error; bad
// lines are logged and skipped.
func (n *Normalizer) Ingest(ctx context.Context, payload []byte) (int, error) {
	atomic.AddUint64(&n.batches, 1)

	records := n.parseBatch(payload)
	if len(records) == 0 {
		return 0, nil
	}

	if err := n.store.InsertFlows(ctx, records); err != nil {
		return 0, fmt.Errorf("persist flow batch: %w", err)
	}
	atomic.AddUint64(&n.accepted, uint64(len(records)))

	for i := range records {
		if n.correlator != nil {
			if err := n.correlator.CheckExternalAccess(ctx, &records[i]); err != nil {
				n.logger.Error("external access check failed",
					"flow_id", records[i].ID,
					"error", err,
				)
			}
		}
		if n.sink != nil && !n.sink.Enqueue(records[i]) {
			atomic.AddUint64(&n.sinkDrops, 1)
		}
	}

	n.publishCanonical(ctx, records)
	return len(records), nil
}

// parseBatch splits the payload into lines and normalizes each one.
func (n *Normalizer) parseBatch(payload []byte) []schema.FlowRecord {
	var records []schema.FlowRecord

	for _, line := range bytes.Split(payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		atomic.AddUint64(&n.lines, 1)

		if n.maxBatch > 0 && len(records) >= n.maxBatch {
			n.logger.Warn("flow batch truncated", "max_batch", n.maxBatch)
			atomic.AddUint64(&n.skipped, 1)
			continue
		}

		var fl schema.FlowLine
		if err := json.Unmarshal(line, &fl); err != nil {
			atomic.AddUint64(&n.skipped, 1)
			n.logger.Warn("skipping malformed flow line",
				"error", err,
				"line_bytes", len(line),
			)
			continue
		}

		rec := schema.FlowRecord{
			ID:          uuid.New(),
			SrcIP:       fl.SrcIP,
			DstIP:       fl.DstIP,
			SrcPort:     fl.SrcPort,
			DstPort:     fl.DstPort,
			Protocol:    fl.Protocol,
			TimeBucket:  fl.TimeBucket,
			StartTime:   fl.StartTime,
			EndTime:     fl.EndTime,
			Duration:    fl.Duration,
			PacketCount: fl.PacketCount,
			ByteCount:   fl.ByteCount,
			PPS:         fl.PPS,
			BPS:         fl.BPS,
		}

		if n.validator != nil {
			if err := n.validator.ValidateFlow(&rec); err != nil {
				atomic.AddUint64(&n.skipped, 1)
				n.logger.Warn("skipping invalid flow line", "error", err)
				continue
			}
		}
		records = append(records, rec)
	}
	return records
}

// publishCanonical sends the accepted records, now carrying their IDs,
// as one JSONL batch on the scoring feed.
func (n *Normalizer) publishCanonical(ctx context.Context, records []schema.FlowRecord) {
	if n.publisher == nil || n.scoringTopic == "" {
		return
	}

	var buf bytes.Buffer
	for i := range records {
		data, err := json.Marshal(&records[i])
		if err != nil {
			n.logger.Error("marshal flow record", "flow_id", records[i].ID, "error", err)
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return
	}
	n.publisher.Publish(ctx, n.scoringTopic, buf.Bytes())
}

// Metrics returns the current normalizer counters.
func (n *Normalizer) Metrics() NormalizerMetrics {
	return NormalizerMetrics{
		Batches:   atomic.LoadUint64(&n.batches),
		Lines:     atomic.LoadUint64(&n.lines),
		Accepted:  atomic.LoadUint64(&n.accepted),
		Skipped:   atomic.LoadUint64(&n.skipped),
		SinkDrops: atomic.LoadUint64(&n.sinkDrops),
	}
}
