package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one inbound bus message. Returning an error logs the
// failure; it never stops the feed.
type Handler func(ctx context.Context, topic string, payload []byte) error

type subscription struct {
	topic   string
	handler Handler
}

// Client is the bus client. It maintains one persistent reader per
// subscribed feed and a shared writer for outbound publishes.
//
// An unconfigured client (no brokers) is a valid no-op: Start logs and
// returns nil, Publish logs and swallows.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscription
	feeds  []*feed
	writer *kafka.Writer

	started   atomic.Bool
	closed    atomic.Bool
	published atomic.Int64
	dropped   atomic.Int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient creates a bus client. The configuration is validated but not
// connected until Start.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Subscribe registers a handler for a topic. Handlers registered for the
// same topic run in registration order. Subscribe must be called before
// Start.
func (c *Client) Subscribe(topic string, h Handler) {
	if topic == "" || h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{topic: topic, handler: h})
}

// Start connects the client. If the bus is not configured, or no topics
// have subscribers, the affected side is skipped with an info log; that
// is a valid steady state, not an error.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return fmt.Errorf("bus: client already started")
	}

	if !c.cfg.Configured() {
		c.logger.Info("bus not configured, client running as no-op")
		return nil
	}

	dialer, err := c.cfg.GetDialer()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(c.cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    c.cfg.ProducerBatchSize,
		BatchTimeout: c.cfg.ProducerBatchTimeout,
		MaxAttempts:  c.cfg.ProducerMaxRetries,
		WriteTimeout: c.cfg.WriteTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(c.cfg.RequiredAcks),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...), "component", "bus-writer")
		}),
	}

	topics := c.subscribedTopicsLocked()
	if len(topics) == 0 {
		c.logger.Info("no bus subscriptions registered, consume side skipped")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for _, topic := range topics {
		f := newFeed(&c.cfg, topic, dialer, c.dispatch, c.logger.With("feed", topic))
		c.feeds = append(c.feeds, f)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			f.run(runCtx)
		}()
	}

	c.logger.Info("bus client started",
		"brokers", c.cfg.Brokers,
		"feeds", topics,
		"group", c.cfg.ConsumerGroup,
	)
	return nil
}

// subscribedTopicsLocked returns the distinct subscribed topics in first
// registration order.
func (c *Client) subscribedTopicsLocked() []string {
	seen := make(map[string]bool, len(c.subs))
	var topics []string
	for _, s := range c.subs {
		if !seen[s.topic] {
			seen[s.topic] = true
			topics = append(topics, s.topic)
		}
	}
	return topics
}

// dispatch fans one inbound message out to every handler registered for
// its topic, in registration order. Handler errors and panics are logged
// and contained; they never crash the feed.
func (c *Client) dispatch(ctx context.Context, topic string, payload []byte) {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.topic == topic {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke(ctx, s, topic, payload)
	}
}

func (c *Client) invoke(ctx context.Context, s subscription, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bus handler panicked",
				"topic", topic,
				"panic", r,
			)
		}
	}()

	if err := s.handler(ctx, topic, payload); err != nil {
		c.logger.Error("bus handler failed",
			"topic", topic,
			"error", err,
			"payload_bytes", len(payload),
		)
	}
}

// Publish is a best-effort send. "Not configured", "not started" and
// transport failures all fold into a logged, swallowed non-fatal outcome;
// nothing propagates to the caller.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) {
	if topic == "" {
		c.dropped.Add(1)
		c.logger.Warn("publish skipped, empty topic")
		return
	}

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()

	if writer == nil || c.closed.Load() {
		c.dropped.Add(1)
		c.logger.Info("publish skipped, bus not connected",
			"topic", topic,
			"payload_bytes", len(payload),
		)
		return
	}

	msg := kafka.Message{
		Topic: topic,
		Value: payload,
		Time:  time.Now(),
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		c.dropped.Add(1)
		c.logger.Warn("publish failed",
			"topic", topic,
			"error", err,
			"payload_bytes", len(payload),
		)
		return
	}
	c.published.Add(1)
}

// PublishJSON marshals the value and publishes it best-effort.
func (c *Client) PublishJSON(ctx context.Context, topic string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error("publish skipped, marshal failed", "topic", topic, "error", err)
		return
	}
	c.Publish(ctx, topic, data)
}

// Ready reports whether the publish side is connected.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer != nil && !c.closed.Load()
}

// Metrics holds bus client counters.
type Metrics struct {
	Published int64
	Dropped   int64
	Consumed  int64
}

// GetMetrics returns current client counters.
func (c *Client) GetMetrics() Metrics {
	m := Metrics{
		Published: c.published.Load(),
		Dropped:   c.dropped.Load(),
	}
	c.mu.Lock()
	for _, f := range c.feeds {
		m.Consumed += f.consumed.Load()
	}
	c.mu.Unlock()
	return m
}

// Shutdown disconnects idempotently.
func (c *Client) Shutdown() {
	if c.closed.Swap(true) {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	writer := c.writer
	c.writer = nil
	c.mu.Unlock()

	if writer != nil {
		if err := writer.Close(); err != nil {
			c.logger.Error("bus writer close failed", "error", err)
		}
	}

	c.logger.Info("bus client shut down",
		"published", c.published.Load(),
		"dropped", c.dropped.Load(),
	)
}
