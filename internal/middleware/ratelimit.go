// Package middleware provides HTTP middleware for the NetSentry API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"netsentry/internal/config"
)

// RateLimiter tracks per-IP request counts over a fixed window.
type RateLimiter struct {
	cfg         config.RateLimitConfig
	clients     map[string]*clientState
	mu          sync.RWMutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	logger      *slog.Logger

	limited uint64
	allowed uint64
}

type clientState struct {
	count     int64
	windowEnd time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exemptPaths := make(map[string]bool)
	for _, path := range cfg.ExemptPaths {
		exemptPaths[path] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exemptPaths,
		stopCleanup: make(chan struct{}),
		logger:      logger,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits in the current window.
// Returns (allowed, remaining requests, window reset time).
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, exists := rl.clients[ip]
	if !exists {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.cfg.RequestsPerIP + rl.cfg.BurstSize)
	if client.count >= limit {
		return false, 0, client.windowEnd
	}

	client.count++
	remaining := limit - client.count
	return true, int(remaining), client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	// Entries are kept for two windows past expiry.
	expiredThreshold := time.Now().Add(-rl.cfg.WindowSize * 2)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(expiredThreshold) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// IsExempt reports whether a path bypasses rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Metrics returns limited and allowed request totals.
func (rl *RateLimiter) Metrics() (limited, allowed uint64) {
	return atomic.LoadUint64(&rl.limited), atomic.LoadUint64(&rl.allowed)
}

// Handler wraps next with per-IP rate limiting. Disabled config passes
// everything through.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, resetTime := rl.Allow(ip)

		limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))

		if !allowed {
			atomic.AddUint64(&rl.limited, 1)
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(time.Until(resetTime).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		atomic.AddUint64(&rl.allowed, 1)
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP. When trustProxy is set the rightmost
// X-Forwarded-For entry wins since the client cannot spoof it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
