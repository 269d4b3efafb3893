package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"netsentry/internal/config"
	"netsentry/internal/schema"
	"netsentry/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Session refusal reasons, surfaced as HTTP statuses before the upgrade.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotLinked     = errors.New("user not linked to device")
	ErrNoAddress     = errors.New("device has no address")
)

// TrafficSource supplies bucketed traffic for a device address. The
// operational store satisfies it; an analytics backend can stand in.
type TrafficSource interface {
	BucketedTraffic(ctx context.Context, addr string, since time.Time, maxPoints int) ([]schema.TrafficPoint, error)
}

// deviceDirectory is the slice of the store the streamer needs for
// session authorization.
type deviceDirectory interface {
	DeviceByID(ctx context.Context, id uuid.UUID) (*schema.Device, error)
	UserLinkedToDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
}

// Streamer serves per-device traffic over websocket: one snapshot of
// the recent window on connect, then periodic deltas holding only
// buckets newer than the last push. Empty deltas are not sent.
type Streamer struct {
	devices  deviceDirectory
	source   TrafficSource
	cfg      config.LiveConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewStreamer creates a traffic streamer.
func NewStreamer(devices deviceDirectory, source TrafficSource, cfg config.LiveConfig, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		devices: devices,
		source:  source,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Authorize verifies that the user may stream the device's traffic and
// that the device has an address to stream for.
func (s *Streamer) Authorize(ctx context.Context, userID, deviceID uuid.UUID) (*schema.Device, error) {
	dev, err := s.devices.DeviceByID(ctx, deviceID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}

	linked, err := s.devices.UserLinkedToDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("check device link: %w", err)
	}
	if !linked {
		return nil, ErrNotLinked
	}

	if dev.IPAddress == "" {
		return nil, ErrNoAddress
	}
	return dev, nil
}

// ServeDevice authorizes and upgrades the request, then runs the
// traffic session until the client disconnects or a send fails.
func (s *Streamer) ServeDevice(w http.ResponseWriter, r *http.Request, userID, deviceID uuid.UUID) {
	dev, err := s.Authorize(r.Context(), userID, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownDevice):
			http.Error(w, "device not found", http.StatusNotFound)
		case errors.Is(err, ErrNotLinked):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, ErrNoAddress):
			http.Error(w, "device has no address", http.StatusConflict)
		default:
			s.logger.Error("traffic session authorization failed",
				"device_id", deviceID,
				"user_id", userID,
				"error", err,
			)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	s.logger.Info("traffic session opened",
		"device_id", deviceID,
		"user_id", userID,
		"address", dev.IPAddress,
	)
	s.runSession(r.Context(), conn, dev)
	s.logger.Info("traffic session closed", "device_id", deviceID, "user_id", userID)
}

// runSession owns the connection: snapshot, delta loop, teardown.
func (s *Streamer) runSession(ctx context.Context, conn *websocket.Conn, dev *schema.Device) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Read pump exists only to notice the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	windowStart := s.now().Add(-s.cfg.Window)
	points, err := s.source.BucketedTraffic(ctx, dev.IPAddress, windowStart, s.cfg.MaxPoints)
	if err != nil {
		s.logger.Error("snapshot query failed", "device_id", dev.ID, "error", err)
		return
	}

	lastPushed := windowStart
	if len(points) > 0 {
		lastPushed = points[len(points)-1].Timestamp
	}

	snapshot := &schema.TrafficMessage{
		Type:        schema.TrafficMessageSnapshot,
		DeviceID:    dev.ID,
		WindowStart: windowStart,
		Points:      points,
	}
	if err := s.writeMessage(conn, snapshot); err != nil {
		s.logger.Warn("snapshot send failed", "device_id", dev.ID, "error", err)
		return
	}

	pushTicker := time.NewTicker(s.cfg.PushInterval)
	defer pushTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-pushTicker.C:
			fresh, err := s.freshPoints(ctx, dev.IPAddress, lastPushed)
			if err != nil {
				s.logger.Error("delta query failed", "device_id", dev.ID, "error", err)
				return
			}
			if len(fresh) == 0 {
				continue
			}
			lastPushed = fresh[len(fresh)-1].Timestamp

			delta := &schema.TrafficMessage{
				Type:        schema.TrafficMessageDelta,
				DeviceID:    dev.ID,
				WindowStart: windowStart,
				Points:      fresh,
			}
			if err := s.writeMessage(conn, delta); err != nil {
				s.logger.Warn("delta send failed", "device_id", dev.ID, "error", err)
				return
			}
		}
	}
}

// freshPoints returns buckets strictly newer than lastPushed. The
// query window re-reads the last pushed bucket: it may still be
// accumulating flows, so only later buckets count as fresh.
func (s *Streamer) freshPoints(ctx context.Context, addr string, lastPushed time.Time) ([]schema.TrafficPoint, error) {
	points, err := s.source.BucketedTraffic(ctx, addr, lastPushed, s.cfg.MaxPoints)
	if err != nil {
		return nil, err
	}
	fresh := points[:0]
	for _, p := range points {
		if p.Timestamp.After(lastPushed) {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

func (s *Streamer) writeMessage(conn *websocket.Conn, msg *schema.TrafficMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
