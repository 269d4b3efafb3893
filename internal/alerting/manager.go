// Package alerting fans raised alerts out to the users linked to the
// affected device and pushes them to notification channels.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Channel delivers one user's alert event somewhere: a live stream, a
// webhook, a log.
type Channel interface {
	Name() string
	Notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) error
}

// Manager performs alert fan-out. It records one UserAlertDelivery per
// linked user and then notifies every registered channel. Channel
// failures are logged, never propagated: delivery rows are the source
// of truth, channels are best effort.
type Manager struct {
	store    *store.Store
	logger   *slog.Logger
	channels []Channel
	mu       sync.RWMutex
}

// NewManager creates a fan-out manager.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// AddChannel registers a notification channel.
func (m *Manager) AddChannel(ch Channel) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	m.logger.Info("registered notification channel", "name", ch.Name())
}

// Fanout distributes a newly raised alert. A nil device, or a device
// with no linked users, is a valid no-op. Matches the correlation
// engine's alert handler shape.
func (m *Manager) Fanout(ctx context.Context, alert *schema.Alert, device *schema.Device) error {
	if device == nil {
		m.logger.Debug("alert has no device, skipping fan-out", "alert_id", alert.ID)
		return nil
	}

	userIDs, err := m.store.UsersLinkedToDevice(ctx, device.ID)
	if err != nil {
		return fmt.Errorf("list linked users for device %s: %w", device.ID, err)
	}
	if len(userIDs) == 0 {
		m.logger.Debug("device has no linked users, skipping fan-out",
			"alert_id", alert.ID,
			"device_id", device.ID,
		)
		return nil
	}

	now := time.Now().UTC()
	for _, userID := range userIDs {
		delivery := &schema.UserAlertDelivery{
			ID:         uuid.New(),
			UserID:     userID,
			AlertID:    alert.ID,
			NotifiedAt: now,
			Read:       false,
			Channel:    schema.DeliveryChannelInApp,
			Status:     schema.DeliveryStatusPending,
		}
		if err := m.store.InsertDelivery(ctx, delivery); err != nil {
			if store.IsConflict(err) {
				m.logger.Debug("delivery already exists",
					"alert_id", alert.ID,
					"user_id", userID,
				)
				continue
			}
			return fmt.Errorf("insert delivery for user %s: %w", userID, err)
		}

		m.notify(ctx, userID, buildEvent(alert, delivery))
	}

	m.logger.Info("alert fanned out",
		"alert_id", alert.ID,
		"device_id", device.ID,
		"users", len(userIDs),
	)
	return nil
}

func (m *Manager) notify(ctx context.Context, userID uuid.UUID, event *schema.AlertEvent) {
	m.mu.RLock()
	channels := m.channels
	m.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Notify(ctx, userID, event); err != nil {
			m.logger.Error("notification failed",
				"channel", ch.Name(),
				"alert_id", event.ID,
				"user_id", userID,
				"error", err,
			)
		}
	}
}

func buildEvent(alert *schema.Alert, delivery *schema.UserAlertDelivery) *schema.AlertEvent {
	return &schema.AlertEvent{
		ID:             alert.ID,
		DeviceID:       alert.DeviceID,
		Reason:         alert.Reason,
		Severity:       string(alert.Severity),
		Timestamp:      alert.Timestamp,
		Status:         string(alert.Status),
		DeliveryStatus: delivery.Status,
		Read:           delivery.Read,
	}
}
