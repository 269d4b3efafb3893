package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"netsentry/internal/api/auth"
	"netsentry/internal/config"
	"netsentry/internal/live"
	"netsentry/internal/schema"
	"netsentry/internal/store"
)

type fakeBus struct {
	mu        sync.Mutex
	ready     bool
	published []publishedMessage
}

type publishedMessage struct {
	Topic string
	Value any
}

func (f *fakeBus) Ready() bool { return f.ready }

func (f *fakeBus) PublishJSON(ctx context.Context, topic string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{Topic: topic, Value: value})
}

func (f *fakeBus) last() (publishedMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return publishedMessage{}, false
	}
	return f.published[len(f.published)-1], true
}

type serverFixture struct {
	server   *Server
	store    *store.Store
	bus      *fakeBus
	userID   uuid.UUID
	deviceID uuid.UUID
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	deviceID := uuid.New()
	userID := uuid.New()
	dev := &schema.Device{
		ID:         deviceID,
		Name:       "living-room-cam",
		IPAddress:  "192.168.1.50",
		MACAddress: "aa:bb:cc:dd:ee:01",
		Status:     "connect",
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := st.LinkUserToDevice(ctx, deviceID, userID); err != nil {
		t.Fatalf("link user: %v", err)
	}

	bus := &fakeBus{ready: true}
	hub := live.NewHub(nil)
	streamer := live.NewStreamer(st, st, config.LiveConfig{
		Window:       15 * time.Minute,
		MaxPoints:    300,
		PushInterval: 50 * time.Millisecond,
	}, nil)

	srv := NewServer(Options{
		Config: config.ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Store:      st,
		Bus:        bus,
		BlockTopic: "net/block",
		Hub:        hub,
		Streamer:   streamer,
		Logger:     nil,
	})

	return &serverFixture{
		server:   srv,
		store:    st,
		bus:      bus,
		userID:   userID,
		deviceID: deviceID,
	}
}

// seedDelivery creates a flow, score, alert and delivery for the
// fixture user and returns the delivery and alert IDs.
func (f *serverFixture) seedDelivery(t *testing.T) (deliveryID, alertID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	flow := schema.FlowRecord{
		ID:        uuid.New(),
		SrcIP:     "192.168.1.50",
		DstIP:     "8.8.8.8",
		StartTime: time.Now().UTC().Add(-time.Minute),
	}
	if err := f.store.InsertFlows(ctx, []schema.FlowRecord{flow}); err != nil {
		t.Fatalf("insert flow: %v", err)
	}

	score, err := f.store.UpsertScore(ctx, &schema.AnomalyScore{
		ID:        uuid.New(),
		FlowID:    flow.ID,
		Timestamp: flow.StartTime,
		IsAnomaly: true,
	})
	if err != nil {
		t.Fatalf("upsert score: %v", err)
	}

	alert := &schema.Alert{
		ID:        uuid.New(),
		ScoreID:   score.ID,
		DeviceID:  &f.deviceID,
		Timestamp: flow.StartTime,
		Severity:  schema.SeverityHigh,
		Reason:    "Anomaly detected by ML",
		Status:    schema.AlertStatusNew,
	}
	if err := f.store.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("insert alert: %v", err)
	}

	delivery := &schema.UserAlertDelivery{
		ID:         uuid.New(),
		UserID:     f.userID,
		AlertID:    alert.ID,
		NotifiedAt: time.Now().UTC(),
		Channel:    schema.DeliveryChannelInApp,
		Status:     schema.DeliveryStatusPending,
	}
	if err := f.store.InsertDelivery(ctx, delivery); err != nil {
		t.Fatalf("insert delivery: %v", err)
	}
	return delivery.ID, alert.ID
}

func (f *serverFixture) do(t *testing.T, method, target string, asUser uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if asUser != uuid.Nil {
		req.Header.Set("X-User-ID", asUser.String())
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/health", uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["store"] != "ok" || body["bus"] != "ok" {
		t.Errorf("body = %v", body)
	}

	// A disconnected bus degrades the report but not the status code.
	f.bus.ready = false
	rec = f.do(t, http.MethodGet, "/health", uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status with bus down = %d, want 200", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["bus"] != "disconnected" {
		t.Errorf("bus = %q, want disconnected", body["bus"])
	}
}

func TestRequestsWithoutUserRejected(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/alerts", uuid.Nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestListAlerts(t *testing.T) {
	f := newServerFixture(t)
	deliveryID, alertID := f.seedDelivery(t)

	rec := f.do(t, http.MethodGet, "/api/alerts", f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var items []alertListItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	got := items[0]
	if got.DeliveryID != deliveryID || got.AlertID != alertID {
		t.Errorf("ids = (%s, %s), want (%s, %s)", got.DeliveryID, got.AlertID, deliveryID, alertID)
	}
	if got.Read {
		t.Error("fresh delivery marked read")
	}
	if got.Severity != string(schema.SeverityHigh) || got.Status != string(schema.AlertStatusNew) {
		t.Errorf("severity/status = %s/%s", got.Severity, got.Status)
	}

	// Another user sees nothing.
	rec = f.do(t, http.MethodGet, "/api/alerts", uuid.New())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	items = nil
	json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 0 {
		t.Errorf("other user items = %d, want 0", len(items))
	}
}

func TestMarkDeliveryRead(t *testing.T) {
	f := newServerFixture(t)
	deliveryID, _ := f.seedDelivery(t)

	rec := f.do(t, http.MethodPost, "/api/alerts/"+deliveryID.String()+"/read", f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var delivery schema.UserAlertDelivery
	if err := json.Unmarshal(rec.Body.Bytes(), &delivery); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !delivery.Read {
		t.Error("delivery not marked read")
	}

	// Another user cannot mark it.
	rec = f.do(t, http.MethodPost, "/api/alerts/"+deliveryID.String()+"/read", uuid.New())
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign user status = %d, want 404", rec.Code)
	}

	// Malformed ID.
	rec = f.do(t, http.MethodPost, "/api/alerts/not-a-uuid/read", f.userID)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newServerFixture(t)
	deliveryID, alertID := f.seedDelivery(t)

	rec := f.do(t, http.MethodPost, "/api/alerts/"+deliveryID.String()+"/ack", f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	alert, err := f.store.GetAlert(context.Background(), alertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if alert.Status != schema.AlertStatusAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED", alert.Status)
	}

	// Acknowledging also marks the delivery read.
	delivery, err := f.store.GetDelivery(context.Background(), deliveryID, f.userID)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if !delivery.Read {
		t.Error("delivery not marked read by acknowledge")
	}

	// A user without the delivery cannot acknowledge.
	rec = f.do(t, http.MethodPost, "/api/alerts/"+deliveryID.String()+"/ack", uuid.New())
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign user status = %d, want 404", rec.Code)
	}
}

func TestGetAlert(t *testing.T) {
	f := newServerFixture(t)
	deliveryID, alertID := f.seedDelivery(t)

	rec := f.do(t, http.MethodGet, "/api/alerts/"+deliveryID.String(), f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var item struct {
		DeliveryID uuid.UUID `json:"deliveryId"`
		AlertID    uuid.UUID `json:"alertId"`
		Read       bool      `json:"read"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if item.DeliveryID != deliveryID || item.AlertID != alertID {
		t.Errorf("item = %+v, want delivery %s alert %s", item, deliveryID, alertID)
	}
	if item.Read {
		t.Error("fresh delivery should be unread")
	}

	rec = f.do(t, http.MethodGet, "/api/alerts/"+deliveryID.String(), uuid.New())
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign user status = %d, want 404", rec.Code)
	}
}

func TestBlockDevice(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/devices/"+f.deviceID.String()+"/block", f.userID)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	msg, ok := f.bus.last()
	if !ok {
		t.Fatal("no command published")
	}
	if msg.Topic != "net/block" {
		t.Errorf("topic = %s, want net/block", msg.Topic)
	}
	cmd, ok := msg.Value.(schema.BlockCommand)
	if !ok {
		t.Fatalf("value type = %T", msg.Value)
	}
	if cmd.MACAddress != "aa:bb:cc:dd:ee:01" || cmd.IP != "192.168.1.50" || cmd.Name != "living-room-cam" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestBlockDeviceUnlinkedForbidden(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/devices/"+f.deviceID.String()+"/block", uuid.New())
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if _, ok := f.bus.last(); ok {
		t.Error("command published for unlinked user")
	}
}

func TestBlockDeviceBusDown(t *testing.T) {
	f := newServerFixture(t)
	f.bus.ready = false

	rec := f.do(t, http.MethodPost, "/api/devices/"+f.deviceID.String()+"/block", f.userID)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestDailyAnomalies(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/dashboard/anomalies/daily", f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("empty rollup body = %s, want []", body)
	}

	f.seedDelivery(t)
	rec = f.do(t, http.MethodGet, "/api/dashboard/anomalies/daily?days=2", f.userID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var counts []store.DailyAnomalyCount
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Errorf("counts = %+v, want one day with count 1", counts)
	}

	rec = f.do(t, http.MethodGet, "/api/dashboard/anomalies/daily?days=0", f.userID)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("days=0 status = %d, want 400", rec.Code)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	f := newServerFixture(t)

	storage := auth.NewMemorySessionStorage()
	t.Cleanup(func() { storage.Close() })
	f.server.verifier = auth.NewVerifier(config.AuthConfig{
		Enabled:    true,
		JWTSecret:  "server-test-secret",
		SessionTTL: time.Hour,
	}, storage, nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": f.userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("server-test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	// Header token.
	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer status = %d: %s", rec.Code, rec.Body.String())
	}

	// Query token, the EventSource/WebSocket path.
	req = httptest.NewRequest(http.MethodGet, "/api/alerts?token="+token, nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query token status = %d: %s", rec.Code, rec.Body.String())
	}

	// X-User-ID is ignored once a verifier is set.
	rec = f.do(t, http.MethodGet, "/api/alerts", f.userID)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("header fallback status = %d, want 401", rec.Code)
	}
}
