// Package api exposes the NetSentry HTTP surface: alert queries and
// acknowledgement, device mitigation commands, dashboard rollups, and
// the live SSE and WebSocket streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/api/auth"
	"netsentry/internal/config"
	"netsentry/internal/live"
	"netsentry/internal/middleware"
	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Bus is the slice of the event bus the API needs for outbound
// mitigation commands.
type Bus interface {
	Ready() bool
	PublishJSON(ctx context.Context, topic string, value any)
}

// APIError is a structured JSON error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message, Details: details}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// Server is the NetSentry API server.
type Server struct {
	cfg        config.ServerConfig
	store      *store.Store
	bus        Bus
	blockTopic string
	hub        *live.Hub
	streamer   *live.Streamer
	verifier   *auth.Verifier
	logger     *slog.Logger

	httpServer  *http.Server
	rateLimiter *middleware.RateLimiter
}

// Options carries the server's collaborators.
type Options struct {
	Config     config.ServerConfig
	Store      *store.Store
	Bus        Bus
	BlockTopic string
	Hub        *live.Hub
	Streamer   *live.Streamer

	// Verifier is optional. When nil, requests identify the user via
	// the X-User-ID header, for development and tests only.
	Verifier *auth.Verifier

	Logger *slog.Logger
}

// NewServer creates the API server and builds its route table.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		bus:        opts.Bus,
		blockTopic: opts.BlockTopic,
		hub:        opts.Hub,
		streamer:   opts.Streamer,
		verifier:   opts.Verifier,
		logger:     logger,
	}
	s.rateLimiter = middleware.NewRateLimiter(opts.Config.RateLimit, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/alerts", s.requireUser(s.handleListAlerts))
	mux.HandleFunc("GET /api/alerts/{id}", s.requireUser(s.handleGetAlert))
	mux.HandleFunc("POST /api/alerts/{id}/read", s.requireUser(s.handleMarkRead))
	mux.HandleFunc("POST /api/alerts/{id}/ack", s.requireUser(s.handleAcknowledge))
	mux.HandleFunc("POST /api/devices/{id}/block", s.requireUser(s.handleBlockDevice))
	mux.HandleFunc("GET /api/devices/{id}/traffic", s.requireUser(s.handleTrafficStream))
	mux.HandleFunc("GET /api/stream", s.requireUser(s.handleAlertStream))
	mux.HandleFunc("GET /api/dashboard/anomalies/daily", s.requireUser(s.handleDailyAnomalies))

	handler := middleware.SecurityHeaders(s.rateLimiter.Handler(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Config.HTTPPort),
		Handler:      handler,
		ReadTimeout:  opts.Config.ReadTimeout,
		// Zero disables the write deadline. The SSE and WebSocket
		// streams are long-lived and would be cut off by one.
		WriteTimeout: 0,
	}

	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// userHandler is an authenticated handler.
type userHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

// requireUser resolves the caller to a user ID. With a verifier the
// bearer token is checked; browsers cannot set headers on WebSocket or
// EventSource requests, so a token query parameter is accepted too.
func (s *Server) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed X-User-ID header", "")
				return
			}
			next(w, r, userID)
			return
		}

		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		userID, err := s.verifier.Authenticate(r.Context(), token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token", "")
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

// handleHealth reports readiness of the store and the bus link.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status string `json:"status"`
		Store  string `json:"store"`
		Bus    string `json:"bus"`
	}

	h := health{Status: "ok", Store: "ok", Bus: "ok"}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if s.bus == nil || !s.bus.Ready() {
		// The bus is best-effort; a down bus degrades but does not
		// fail the service.
		h.Bus = "disconnected"
	}

	writeJSON(w, status, h)
}

// alertListItem is one entry of the alert inbox: the user's delivery
// joined with the underlying alert.
type alertListItem struct {
	DeliveryID uuid.UUID  `json:"deliveryId"`
	AlertID    uuid.UUID  `json:"alertId"`
	DeviceID   *uuid.UUID `json:"deviceId,omitempty"`
	Reason     string     `json:"reason"`
	Severity   string     `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     string     `json:"status"`
	Channel    string     `json:"channel"`
	Delivery   string     `json:"deliveryStatus"`
	Read       bool       `json:"read"`
	NotifiedAt time.Time  `json:"notifiedAt"`
}

const defaultAlertLimit = 50

// handleListAlerts returns the caller's alert deliveries, newest first.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", "")
			return
		}
		limit = n
	}

	deliveries, err := s.store.DeliveriesForUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list deliveries failed", "user_id", userID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list alerts", "")
		return
	}

	items := make([]alertListItem, 0, len(deliveries))
	for _, d := range deliveries {
		alert, err := s.store.GetAlert(r.Context(), d.AlertID)
		if err != nil {
			s.logger.Warn("delivery references missing alert", "alert_id", d.AlertID, "error", err)
			continue
		}
		items = append(items, alertListItem{
			DeliveryID: d.ID,
			AlertID:    alert.ID,
			DeviceID:   alert.DeviceID,
			Reason:     alert.Reason,
			Severity:   string(alert.Severity),
			Timestamp:  alert.Timestamp,
			Status:     string(alert.Status),
			Channel:    d.Channel,
			Delivery:   d.Status,
			Read:       d.Read,
			NotifiedAt: d.NotifiedAt,
		})
	}

	writeJSON(w, http.StatusOK, items)
}

// handleGetAlert returns one of the caller's deliveries joined with its
// alert.
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "delivery id must be a UUID", "")
		return
	}

	delivery, err := s.store.GetDelivery(r.Context(), id, userID)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "delivery not found", "")
			return
		}
		s.logger.Error("get delivery failed", "delivery_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load delivery", "")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), delivery.AlertID)
	if err != nil {
		s.logger.Error("get alert failed", "alert_id", delivery.AlertID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load alert", "")
		return
	}

	writeJSON(w, http.StatusOK, alertListItem{
		DeliveryID: delivery.ID,
		AlertID:    alert.ID,
		DeviceID:   alert.DeviceID,
		Reason:     alert.Reason,
		Severity:   string(alert.Severity),
		Timestamp:  alert.Timestamp,
		Status:     string(alert.Status),
		Channel:    delivery.Channel,
		Delivery:   delivery.Status,
		Read:       delivery.Read,
		NotifiedAt: delivery.NotifiedAt,
	})
}

// handleMarkRead marks one of the caller's deliveries as read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "delivery id must be a UUID", "")
		return
	}

	delivery, err := s.store.MarkDeliveryRead(r.Context(), id, userID)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "delivery not found", "")
			return
		}
		s.logger.Error("mark read failed", "delivery_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to mark delivery read", "")
		return
	}

	writeJSON(w, http.StatusOK, delivery)
}

// handleAcknowledge acknowledges the alert behind one of the caller's
// deliveries. Ownership is checked through the delivery row. The
// delivery is marked read and the updated state is re-pushed to the
// user's open streams.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "delivery id must be a UUID", "")
		return
	}

	delivery, err := s.store.MarkDeliveryRead(r.Context(), id, userID)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "delivery not found", "")
			return
		}
		s.logger.Error("mark delivery read failed", "delivery_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load delivery", "")
		return
	}

	if err := s.store.SetAlertStatus(r.Context(), delivery.AlertID, schema.AlertStatusAcknowledged); err != nil {
		s.logger.Error("acknowledge failed", "alert_id", delivery.AlertID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to acknowledge alert", "")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), delivery.AlertID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load alert", "")
		return
	}

	if s.hub != nil {
		event := &schema.AlertEvent{
			ID:             alert.ID,
			DeviceID:       alert.DeviceID,
			Reason:         alert.Reason,
			Severity:       string(alert.Severity),
			Timestamp:      alert.Timestamp,
			Status:         string(alert.Status),
			DeliveryStatus: delivery.Status,
			Read:           delivery.Read,
		}
		if err := s.hub.Notify(r.Context(), userID, event); err != nil {
			s.logger.Warn("failed to push acknowledgement", "alert_id", alert.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, alert)
}

// handleBlockDevice publishes a mitigation command for a device the
// caller is linked to. The command is consumed by the network
// controller listening on the block topic.
func (s *Server) handleBlockDevice(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	deviceID, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "device id must be a UUID", "")
		return
	}

	linked, err := s.store.UserLinkedToDevice(r.Context(), userID, deviceID)
	if err != nil {
		s.logger.Error("link lookup failed", "device_id", deviceID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to check device link", "")
		return
	}
	if !linked {
		writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "device is not linked to this user", "")
		return
	}

	device, err := s.store.DeviceByID(r.Context(), deviceID)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "device not found", "")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load device", "")
		return
	}

	if s.bus == nil || !s.bus.Ready() || s.blockTopic == "" {
		writeJSONError(w, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "mitigation bus is not available", "")
		return
	}

	cmd := schema.BlockCommand{
		MACAddress: device.MACAddress,
		IP:         device.IPAddress,
		Name:       device.Name,
	}
	s.bus.PublishJSON(r.Context(), s.blockTopic, cmd)
	s.logger.Info("block command published",
		"device_id", deviceID,
		"mac", device.MACAddress,
		"user_id", userID,
	)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleDailyAnomalies returns per-day anomalous flow counts for the
// dashboard chart.
func (s *Server) handleDailyAnomalies(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_DAYS", "days must be between 1 and 365", "")
			return
		}
		days = n
	}

	counts, err := s.store.DailyAnomalyCounts(r.Context(), days)
	if err != nil {
		s.logger.Error("daily anomaly rollup failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to compute rollup", "")
		return
	}
	if counts == nil {
		counts = []store.DailyAnomalyCount{}
	}

	writeJSON(w, http.StatusOK, counts)
}

// handleAlertStream attaches the caller to the live SSE alert feed.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	s.hub.ServeUser(w, r, userID)
}

// handleTrafficStream upgrades to a WebSocket pushing live traffic for
// one of the caller's devices.
func (s *Server) handleTrafficStream(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	deviceID, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "device id must be a UUID", "")
		return
	}
	s.streamer.ServeDevice(w, r, userID, deviceID)
}
