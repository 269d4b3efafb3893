package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"netsentry/internal/config"
)

// RedisClient is the slice of Redis the session storage needs. Kept as
// an interface so tests can run against the mock.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	DBSize(ctx context.Context) (int, error)
	Close() error
}

// GoRedisClient wraps the go-redis client.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis using the auth configuration.
func NewGoRedisClient(cfg config.AuthConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// Set stores a value with TTL.
func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value.
func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key not found")
		}
		return nil, err
	}
	return []byte(val), nil
}

// Delete removes one or more keys.
func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

// DBSize returns the number of keys in the database.
func (g *GoRedisClient) DBSize(ctx context.Context) (int, error) {
	size, err := g.client.DBSize(ctx).Result()
	return int(size), err
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// MockRedisClient is an in-memory stand-in for tests.
type MockRedisClient struct {
	data   map[string][]byte
	expiry map[string]time.Time
	mu     sync.RWMutex
	closed bool
}

// NewMockRedisClient creates a mock Redis client.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
	}
}

// Set stores a value with TTL.
func (m *MockRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

// Get retrieves a value.
func (m *MockRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("client closed")
	}
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return nil, errors.New("key not found")
	}
	val, ok := m.data[key]
	if !ok {
		return nil, errors.New("key not found")
	}
	return val, nil
}

// Delete removes keys.
func (m *MockRedisClient) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
	}
	return nil
}

// DBSize returns the number of keys.
func (m *MockRedisClient) DBSize(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errors.New("client closed")
	}
	return len(m.data), nil
}

// Close marks the client as closed.
func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
