package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionStorage persists verified sessions.
type SessionStorage interface {
	// Store saves a session until its expiry.
	Store(ctx context.Context, session *Session) error

	// Get retrieves a session by token.
	Get(ctx context.Context, token string) (*Session, error)

	// Delete removes a session by token.
	Delete(ctx context.Context, token string) error

	// UpdateActivity updates the last active time for a session.
	UpdateActivity(ctx context.Context, token string, lastActive time.Time) error

	// Count returns the number of active sessions.
	Count(ctx context.Context) (int, error)

	// Close releases any resources.
	Close() error
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired.
	ErrSessionExpired = errors.New("session expired")
)

// MemorySessionStorage keeps sessions in process memory. Suitable for
// single-instance deployments and tests.
type MemorySessionStorage struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	stopCleanup chan struct{}
}

// NewMemorySessionStorage creates an in-memory session storage with a
// background expiry sweep.
func NewMemorySessionStorage() *MemorySessionStorage {
	m := &MemorySessionStorage{
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemorySessionStorage) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *MemorySessionStorage) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for token, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}

// Store saves a session.
func (m *MemorySessionStorage) Store(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Token] = session
	return nil
}

// Get retrieves a session by token.
func (m *MemorySessionStorage) Get(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[token]
	if !exists {
		return nil, ErrSessionNotFound
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Delete removes a session by token.
func (m *MemorySessionStorage) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// UpdateActivity updates the last active time for a session.
func (m *MemorySessionStorage) UpdateActivity(ctx context.Context, token string, lastActive time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[token]
	if !exists {
		return ErrSessionNotFound
	}
	session.LastActiveAt = lastActive
	return nil
}

// Count returns the number of active sessions.
func (m *MemorySessionStorage) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, session := range m.sessions {
		if now.Before(session.ExpiresAt) {
			count++
		}
	}
	return count, nil
}

// Close stops the background cleanup goroutine.
func (m *MemorySessionStorage) Close() error {
	close(m.stopCleanup)
	return nil
}

// RedisSessionStorage persists sessions in Redis, for deployments with
// multiple instances.
type RedisSessionStorage struct {
	client RedisClient
	prefix string
}

// NewRedisSessionStorage creates a Redis-backed session storage.
func NewRedisSessionStorage(client RedisClient, prefix string) *RedisSessionStorage {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisSessionStorage{client: client, prefix: prefix}
}

func (r *RedisSessionStorage) sessionKey(token string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, token)
}

// Store saves a session with a TTL matching its expiry.
func (r *RedisSessionStorage) Store(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionExpired
	}

	if err := r.client.Set(ctx, r.sessionKey(session.Token), data, ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis.
func (r *RedisSessionStorage) Get(ctx context.Context, token string) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(token))
	if err != nil {
		return nil, ErrSessionNotFound
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

// Delete removes a session from Redis.
func (r *RedisSessionStorage) Delete(ctx context.Context, token string) error {
	return r.client.Delete(ctx, r.sessionKey(token))
}

// UpdateActivity re-stores the session with a fresh last-active time.
func (r *RedisSessionStorage) UpdateActivity(ctx context.Context, token string, lastActive time.Time) error {
	session, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	session.LastActiveAt = lastActive
	return r.Store(ctx, session)
}

// Count returns the approximate number of active sessions.
func (r *RedisSessionStorage) Count(ctx context.Context) (int, error) {
	return r.client.DBSize(ctx)
}

// Close releases Redis client resources.
func (r *RedisSessionStorage) Close() error {
	return r.client.Close()
}
