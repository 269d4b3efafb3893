package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"netsentry/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		BurstSize:     0,
		WindowSize:    time.Minute,
		CleanupPeriod: time.Minute,
		ExemptPaths:   []string{"/health"},
	}
}

func TestRateLimiterAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testConfig(), nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied below limit", i+1)
		}
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Error("request allowed above limit")
	}

	// A different IP has its own window.
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Error("fresh IP denied")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 30 * time.Millisecond
	rl := NewRateLimiter(cfg, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("request allowed above limit")
	}

	time.Sleep(50 * time.Millisecond)
	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Error("request denied after window reset")
	}
}

func TestRateLimitHandler(t *testing.T) {
	rl := NewRateLimiter(testConfig(), nil)
	defer rl.Stop()

	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Exempt path still passes.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("exempt path status = %d, want 200", rec.Code)
	}
}

func TestClientIPTrustProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "127.0.0.1" {
		t.Errorf("untrusted proxy ip = %s, want 127.0.0.1", got)
	}
	if got := clientIP(req, true); got != "10.0.0.1" {
		t.Errorf("trusted proxy ip = %s, want rightmost forwarded entry", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
