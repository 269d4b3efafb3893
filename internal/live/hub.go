// Package live delivers alerts and traffic to connected clients: SSE
// streams for per-user alerts, websocket sessions for per-device
// traffic.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

// subscriber send buffer. A subscriber that cannot keep up has events
// dropped rather than blocking fan-out.
const subscriberBuffer = 16

type subscriber struct {
	userID uuid.UUID
	events chan *schema.AlertEvent
}

// Hub routes alert events to the SSE subscribers of the affected user.
// It satisfies the alerting channel interface, so the fan-out manager
// pushes into it directly.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

// NewHub creates an alert stream hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Name identifies the hub as a notification channel.
func (h *Hub) Name() string {
	return "sse"
}

// Notify pushes an alert event to every active subscription of the
// given user. Users with no open stream are skipped silently.
func (h *Hub) Notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[userID] {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn("dropping alert event for slow subscriber",
				"user_id", userID,
				"alert_id", event.ID,
			)
		}
	}
	return nil
}

// SubscriberCount returns the number of open streams for a user.
func (h *Hub) SubscriberCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) subscribe(userID uuid.UUID) *subscriber {
	sub := &subscriber{
		userID: userID,
		events: make(chan *schema.AlertEvent, subscriberBuffer),
	}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	h.mu.Unlock()
}

// ServeUser streams the user's alerts over SSE until the client
// disconnects. Each alert is written as a named "alert" event with a
// JSON body.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.subscribe(userID)
	defer h.unsubscribe(sub)

	h.logger.Info("alert stream opened", "user_id", userID)
	defer h.logger.Info("alert stream closed", "user_id", userID)

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-sub.events:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("marshal alert event", "alert_id", event.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: alert\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
