package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netsentry/internal/config"
)

// Consumer drains the flow queue into the batch writer.
type Consumer struct {
	queue       *RingBuffer
	batchWriter *BatchWriter
	config      config.ConsumerConfig
	logger      *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}

	consumed uint64
	errors   uint64
}

// NewConsumer creates a queue consumer.
func NewConsumer(q *RingBuffer, bw *BatchWriter, cfg config.ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:       q,
		batchWriter: bw,
		config:      cfg,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start launches the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info("analytics consumer started", "workers", c.config.Workers)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
			flow, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == ErrQueueEmpty {
					continue
				}
				if err == ErrQueueClosed {
					return
				}
				c.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			if err := c.batchWriter.Write(flow); err != nil {
				c.logger.Error("failed to write flow",
					"worker_id", id,
					"flow_id", flow.ID,
					"error", err,
				)
				atomic.AddUint64(&c.errors, 1)
				continue
			}
			atomic.AddUint64(&c.consumed, 1)
		}
	}
}

// Stop stops the workers and flushes what remains.
func (c *Consumer) Stop() {
	close(c.done)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("analytics consumer stopped")
	case <-time.After(c.config.ShutdownWait):
		c.logger.Warn("analytics consumer shutdown timed out")
	}

	if err := c.batchWriter.Flush(); err != nil {
		c.logger.Error("final flush failed", "error", err)
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}
