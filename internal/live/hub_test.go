package live

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

func waitForSubscriber(t *testing.T, hub *Hub, userID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(userID) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}

func TestHubDeliversNamedAlertEvents(t *testing.T) {
	hub := NewHub(nil)
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeUser(w, r, userID)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	waitForSubscriber(t, hub, userID)

	alertID := uuid.New()
	event := &schema.AlertEvent{
		ID:       alertID,
		Reason:   "External access detected",
		Severity: "HIGH",
		Status:   "NEW",
	}
	if err := hub.Notify(ctx, userID, event); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line != "" {
			lines = append(lines, line)
		}
	}

	if lines[0] != "event: alert" {
		t.Errorf("event line = %q, want %q", lines[0], "event: alert")
	}
	if !strings.HasPrefix(lines[1], "data: ") || !strings.Contains(lines[1], alertID.String()) {
		t.Errorf("data line = %q, want alert %s", lines[1], alertID)
	}
}

func TestHubNotifySkipsUsersWithoutStreams(t *testing.T) {
	hub := NewHub(nil)
	err := hub.Notify(context.Background(), uuid.New(), &schema.AlertEvent{ID: uuid.New()})
	if err != nil {
		t.Fatalf("Notify without subscribers: %v", err)
	}
}

func TestHubUnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeUser(w, r, userID)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	waitForSubscriber(t, hub, userID)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(userID) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("subscriber still registered after disconnect")
}
