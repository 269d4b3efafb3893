// Package api provides the HTTP client the console uses to talk to a
// NetSentry server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the NetSentry API on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

// NewClient creates an API client. Exactly one of token or userID
// should be set; userID uses the development header fallback.
func NewClient(baseURL, token, userID string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Health is the server's health report.
type Health struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Bus    string `json:"bus"`
}

// Alert is one row of the user's alert inbox.
type Alert struct {
	DeliveryID string    `json:"deliveryId"`
	AlertID    string    `json:"alertId"`
	DeviceID   string    `json:"deviceId"`
	Reason     string    `json:"reason"`
	Severity   string    `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	Read       bool      `json:"read"`
}

// DailyCount is one day of the anomaly rollup.
type DailyCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

func (c *Client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches the server health report.
func (c *Client) GetHealth() (*Health, error) {
	var h Health
	if err := c.do(http.MethodGet, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetAlerts fetches the user's alert inbox.
func (c *Client) GetAlerts(limit int) ([]Alert, error) {
	var alerts []Alert
	path := fmt.Sprintf("/api/alerts?limit=%d", limit)
	if err := c.do(http.MethodGet, path, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetDailyCounts fetches the per-day anomaly rollup.
func (c *Client) GetDailyCounts(days int) ([]DailyCount, error) {
	var counts []DailyCount
	path := fmt.Sprintf("/api/dashboard/anomalies/daily?days=%d", days)
	if err := c.do(http.MethodGet, path, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// MarkRead marks one delivery as read.
func (c *Client) MarkRead(deliveryID string) error {
	return c.do(http.MethodPost, "/api/alerts/"+deliveryID+"/read", nil)
}

// Acknowledge acknowledges the alert behind a delivery.
func (c *Client) Acknowledge(deliveryID string) error {
	return c.do(http.MethodPost, "/api/alerts/"+deliveryID+"/ack", nil)
}
