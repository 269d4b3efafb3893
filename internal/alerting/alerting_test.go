package alerting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

type capturedNotify struct {
	userID uuid.UUID
	event  *schema.AlertEvent
}

type recordingChannel struct {
	name  string
	calls []capturedNotify
	fail  bool
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) error {
	c.calls = append(c.calls, capturedNotify{userID: userID, event: event})
	if c.fail {
		return fmt.Errorf("channel down")
	}
	return nil
}

type fanoutFixture struct {
	store  *store.Store
	mgr    *Manager
	device *schema.Device
	alert  *schema.Alert
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	dev := &schema.Device{
		ID:         uuid.New(),
		Name:       "camera",
		IPAddress:  "192.168.1.50",
		MACAddress: "aa:aa:aa:aa:aa:01",
		Status:     schema.DeviceStatusConnect,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	// The alert needs a persisted flow and score behind it.
	flow := schema.FlowRecord{
		ID:        uuid.New(),
		SrcIP:     "192.168.1.50",
		DstIP:     "8.8.8.8",
		StartTime: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
	if err := s.InsertFlows(ctx, []schema.FlowRecord{flow}); err != nil {
		t.Fatalf("InsertFlows: %v", err)
	}
	score, err := s.UpsertScore(ctx, &schema.AnomalyScore{
		FlowID:    flow.ID,
		Timestamp: flow.StartTime,
		IsAnomaly: true,
	})
	if err != nil {
		t.Fatalf("UpsertScore: %v", err)
	}

	devID := dev.ID
	alert := &schema.Alert{
		ID:        uuid.New(),
		ScoreID:   score.ID,
		DeviceID:  &devID,
		Timestamp: flow.StartTime,
		Severity:  schema.SeverityHigh,
		Reason:    "External access detected",
		Status:    schema.AlertStatusNew,
	}
	if err := s.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	return &fanoutFixture{store: s, mgr: NewManager(s, nil), device: dev, alert: alert}
}

func (f *fanoutFixture) linkUser(t *testing.T) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if err := f.store.LinkUserToDevice(context.Background(), f.device.ID, userID); err != nil {
		t.Fatalf("LinkUserToDevice: %v", err)
	}
	return userID
}

func TestFanoutCreatesDeliveryPerLinkedUser(t *testing.T) {
	f := newFanoutFixture(t)
	ctx := context.Background()

	userA := f.linkUser(t)
	userB := f.linkUser(t)

	ch := &recordingChannel{name: "test"}
	f.mgr.AddChannel(ch)

	if err := f.mgr.Fanout(ctx, f.alert, f.device); err != nil {
		t.Fatalf("Fanout: %v", err)
	}

	for _, userID := range []uuid.UUID{userA, userB} {
		deliveries, err := f.store.DeliveriesForUser(ctx, userID, 10)
		if err != nil {
			t.Fatalf("DeliveriesForUser(%s): %v", userID, err)
		}
		if len(deliveries) != 1 {
			t.Fatalf("deliveries for %s = %d, want 1", userID, len(deliveries))
		}
		d := deliveries[0]
		if d.Read {
			t.Error("delivery created as read")
		}
		if d.Channel != schema.DeliveryChannelInApp {
			t.Errorf("channel = %q, want IN_APP", d.Channel)
		}
		if d.Status != schema.DeliveryStatusPending {
			t.Errorf("status = %q, want PENDING", d.Status)
		}
		if d.AlertID != f.alert.ID {
			t.Errorf("alert id = %s, want %s", d.AlertID, f.alert.ID)
		}
	}

	if len(ch.calls) != 2 {
		t.Fatalf("channel notified %d times, want 2", len(ch.calls))
	}
	for _, call := range ch.calls {
		if call.event.ID != f.alert.ID {
			t.Errorf("event id = %s, want %s", call.event.ID, f.alert.ID)
		}
		if call.event.Read {
			t.Error("event marked read")
		}
		if call.event.DeliveryStatus != schema.DeliveryStatusPending {
			t.Errorf("event delivery status = %q", call.event.DeliveryStatus)
		}
	}
}

func TestFanoutNoDeviceIsNoOp(t *testing.T) {
	f := newFanoutFixture(t)
	ch := &recordingChannel{name: "test"}
	f.mgr.AddChannel(ch)

	if err := f.mgr.Fanout(context.Background(), f.alert, nil); err != nil {
		t.Fatalf("Fanout with nil device: %v", err)
	}
	if len(ch.calls) != 0 {
		t.Errorf("channel notified %d times, want 0", len(ch.calls))
	}
}

func TestFanoutNoLinkedUsersIsNoOp(t *testing.T) {
	f := newFanoutFixture(t)
	ch := &recordingChannel{name: "test"}
	f.mgr.AddChannel(ch)

	if err := f.mgr.Fanout(context.Background(), f.alert, f.device); err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if len(ch.calls) != 0 {
		t.Errorf("channel notified %d times, want 0", len(ch.calls))
	}
}

func TestFanoutIdempotentPerUser(t *testing.T) {
	f := newFanoutFixture(t)
	ctx := context.Background()
	userID := f.linkUser(t)

	if err := f.mgr.Fanout(ctx, f.alert, f.device); err != nil {
		t.Fatalf("first Fanout: %v", err)
	}
	if err := f.mgr.Fanout(ctx, f.alert, f.device); err != nil {
		t.Fatalf("second Fanout: %v", err)
	}

	deliveries, err := f.store.DeliveriesForUser(ctx, userID, 10)
	if err != nil {
		t.Fatalf("DeliveriesForUser: %v", err)
	}
	if len(deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1 after repeated fan-out", len(deliveries))
	}
}

func TestChannelFailureDoesNotFailFanout(t *testing.T) {
	f := newFanoutFixture(t)
	ctx := context.Background()
	userID := f.linkUser(t)

	f.mgr.AddChannel(&recordingChannel{name: "broken", fail: true})
	ok := &recordingChannel{name: "ok"}
	f.mgr.AddChannel(ok)

	if err := f.mgr.Fanout(ctx, f.alert, f.device); err != nil {
		t.Fatalf("Fanout: %v", err)
	}

	deliveries, err := f.store.DeliveriesForUser(ctx, userID, 10)
	if err != nil {
		t.Fatalf("DeliveriesForUser: %v", err)
	}
	if len(deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1", len(deliveries))
	}
	if len(ok.calls) != 1 {
		t.Errorf("healthy channel notified %d times, want 1", len(ok.calls))
	}
}
