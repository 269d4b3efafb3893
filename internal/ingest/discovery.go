package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Discovery consumes device-discovery messages and keeps the device
// registry current.
type Discovery struct {
	store  *store.Store
	logger *slog.Logger
}

// NewDiscovery creates a discovery consumer.
func NewDiscovery(st *store.Store, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{store: st, logger: logger}
}

// HandleMessage consumes one discovery payload from the bus. Payloads
// without a MAC address are dropped with a warning.
func (d *Discovery) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	var p schema.DiscoveryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("skipping malformed discovery payload",
			"topic", topic,
			"error", err,
		)
		return nil
	}

	dev, created, err := d.store.UpsertDiscovered(ctx, p)
	if err != nil {
		return fmt.Errorf("upsert discovered device %s: %w", p.MACAddress, err)
	}

	if created {
		d.logger.Info("discovered new device",
			"device_id", dev.ID,
			"mac", dev.MACAddress,
			"ip", dev.IPAddress,
		)
	} else {
		d.logger.Debug("refreshed known device",
			"device_id", dev.ID,
			"mac", dev.MACAddress,
			"status", dev.Status,
		)
	}
	return nil
}
