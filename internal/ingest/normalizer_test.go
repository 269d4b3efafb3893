package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	published []capturedPublish
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) {
	p.published = append(p.published, capturedPublish{topic: topic, payload: payload})
}

type fakeCorrelator struct {
	flows []schema.FlowRecord
	err   error
}

func (c *fakeCorrelator) CheckExternalAccess(ctx context.Context, flow *schema.FlowRecord) error {
	c.flows = append(c.flows, *flow)
	return c.err
}

type fakeSink struct {
	flows []schema.FlowRecord
	full  bool
}

func (s *fakeSink) Enqueue(flow schema.FlowRecord) bool {
	if s.full {
		return false
	}
	s.flows = append(s.flows, flow)
	return true
}

func newTestNormalizer(t *testing.T, maxBatch int) (*Normalizer, *store.Store, *fakePublisher, *fakeCorrelator) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pub := &fakePublisher{}
	corr := &fakeCorrelator{}
	n := NewNormalizer(s, schema.NewValidator(), corr, pub, "ml/requests", maxBatch, nil)
	return n, s, pub, corr
}

func flowLine(start time.Time, srcIP string) string {
	return fmt.Sprintf(`{"src_ip":%q,"dst_ip":"192.168.1.60","proto":"tcp","start_time":%q,"pps":10,"bps":1000}`,
		srcIP, start.Format(time.RFC3339))
}

func TestIngestPersistsAndPublishes(t *testing.T) {
	n, s, pub, corr := newTestNormalizer(t, 1000)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)

	payload := flowLine(start, "192.168.1.50") + "\n" + flowLine(start, "192.168.1.51") + "\n"

	accepted, err := n.Ingest(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}

	// Both flows persisted and checked for external access.
	if len(corr.flows) != 2 {
		t.Errorf("external access checks = %d, want 2", len(corr.flows))
	}
	for _, f := range corr.flows {
		if _, err := s.GetFlow(ctx, f.ID); err != nil {
			t.Errorf("flow %s not persisted: %v", f.ID, err)
		}
	}

	// One canonical JSONL batch on the scoring feed, carrying the IDs.
	if len(pub.published) != 1 {
		t.Fatalf("published = %d batches, want 1", len(pub.published))
	}
	if pub.published[0].topic != "ml/requests" {
		t.Errorf("topic = %q", pub.published[0].topic)
	}
	lines := bytes.Split(bytes.TrimSpace(pub.published[0].payload), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("canonical batch has %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var rec schema.FlowRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("canonical line %d: %v", i, err)
		}
		if rec.ID == uuid.Nil {
			t.Errorf("canonical line %d has zero id", i)
		}
		if rec.SrcIP == "" {
			t.Errorf("canonical line %d lost src_ip", i)
		}
	}
}

func TestIngestSkipsBadLinesKeepsSiblings(t *testing.T) {
	n, _, pub, _ := newTestNormalizer(t, 1000)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)

	payload := "not json at all\n" +
		flowLine(start, "192.168.1.50") + "\n" +
		`{"src_ip":"192.168.1.51"}` + "\n" + // missing start_time
		"\n" +
		flowLine(start, "192.168.1.52") + "\n"

	accepted, err := n.Ingest(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}

	m := n.Metrics()
	if m.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", m.Skipped)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %d batches, want 1", len(pub.published))
	}
}

func TestIngestRejectsStaleTimestamps(t *testing.T) {
	n, _, pub, _ := newTestNormalizer(t, 1000)

	stale := time.Now().UTC().Add(-30 * 24 * time.Hour)
	accepted, err := n.Ingest(context.Background(), []byte(flowLine(stale, "192.168.1.50")))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %d, want 0 for stale flow", accepted)
	}
	if len(pub.published) != 0 {
		t.Errorf("published = %d batches, want 0", len(pub.published))
	}
}

func TestIngestTruncatesOversizedBatch(t *testing.T) {
	n, _, _, _ := newTestNormalizer(t, 2)
	start := time.Now().UTC().Add(-time.Minute)

	payload := flowLine(start, "192.168.1.50") + "\n" +
		flowLine(start, "192.168.1.51") + "\n" +
		flowLine(start, "192.168.1.52") + "\n"

	accepted, err := n.Ingest(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want max batch of 2", accepted)
	}
}

func TestIngestFeedsSink(t *testing.T) {
	n, _, _, _ := newTestNormalizer(t, 1000)
	sink := &fakeSink{}
	n.SetSink(sink)
	start := time.Now().UTC().Add(-time.Minute)

	if _, err := n.Ingest(context.Background(), []byte(flowLine(start, "192.168.1.50"))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(sink.flows) != 1 {
		t.Errorf("sink received %d flows, want 1", len(sink.flows))
	}

	// A full sink drops without failing ingestion.
	sink.full = true
	if _, err := n.Ingest(context.Background(), []byte(flowLine(start, "192.168.1.51"))); err != nil {
		t.Fatalf("Ingest with full sink: %v", err)
	}
	if n.Metrics().SinkDrops != 1 {
		t.Errorf("sink drops = %d, want 1", n.Metrics().SinkDrops)
	}
}

func TestIngestEmptyPayload(t *testing.T) {
	n, _, pub, corr := newTestNormalizer(t, 1000)

	accepted, err := n.Ingest(context.Background(), []byte("\n\n  \n"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != 0 || len(pub.published) != 0 || len(corr.flows) != 0 {
		t.Errorf("empty payload produced output: accepted=%d published=%d checks=%d",
			accepted, len(pub.published), len(corr.flows))
	}
}

func TestDiscoveryUpsert(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := NewDiscovery(s, nil)
	ctx := context.Background()

	payload := []byte(`{"macAddress":"aa:bb:cc:dd:ee:01","name":"camera","ip":"192.168.1.50"}`)
	if err := d.HandleMessage(ctx, "net/devices", payload); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	dev, err := s.DeviceByMAC(ctx, "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("DeviceByMAC: %v", err)
	}
	if dev.IPAddress != "192.168.1.50" {
		t.Errorf("ip = %q", dev.IPAddress)
	}

	// Status change for the same MAC updates, not duplicates.
	update := []byte(`{"mac":"aa:bb:cc:dd:ee:01","status":"disconnect"}`)
	if err := d.HandleMessage(ctx, "net/devices", update); err != nil {
		t.Fatalf("HandleMessage update: %v", err)
	}
	dev, err = s.DeviceByMAC(ctx, "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("DeviceByMAC after update: %v", err)
	}
	if dev.Status != "disconnect" {
		t.Errorf("status = %q, want disconnect", dev.Status)
	}
	if dev.IPAddress != "192.168.1.50" {
		t.Errorf("ip lost on status update: %q", dev.IPAddress)
	}
}

func TestDiscoveryDropsPayloadWithoutMAC(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := NewDiscovery(s, nil)
	if err := d.HandleMessage(context.Background(), "net/devices", []byte(`{"name":"ghost"}`)); err != nil {
		t.Errorf("payload without mac should be dropped, got %v", err)
	}
}
