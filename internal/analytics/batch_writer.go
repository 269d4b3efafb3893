package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netsentry/internal/config"
	"netsentry/internal/schema"
)

// BatchWriter buffers flows and inserts them into ClickHouse in
// batches, with retries.
type BatchWriter struct {
	client *Client
	config config.BatchWriterConfig
	logger *slog.Logger

	buffer []schema.FlowRecord
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a batch writer and starts its flush timer.
func NewBatchWriter(client *Client, cfg config.BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]schema.FlowRecord, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds a flow to the batch, flushing when the batch fills.
func (bw *BatchWriter) Write(flow schema.FlowRecord) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, flow)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	flows := bw.buffer
	bw.buffer = make([]schema.FlowRecord, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(flows); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(flows)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(flows)))
	return fmt.Errorf("batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(flows []schema.FlowRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO flows (
			id, src_ip, dst_ip, src_port, dst_port, proto, time_bucket,
			start_time, end_time, duration, packet_count, byte_count, pps, bps
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range flows {
		f := &flows[i]
		err := batch.Append(
			f.ID,
			f.SrcIP,
			f.DstIP,
			uint16(f.SrcPort),
			uint16(f.DstPort),
			f.Protocol,
			f.TimeBucket,
			f.StartTime,
			f.EndTime,
			f.Duration,
			f.PacketCount,
			f.ByteCount,
			f.PPS,
			f.BPS,
		)
		if err != nil {
			return fmt.Errorf("append flow: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	bw.logger.Debug("flow batch inserted", "count", len(flows))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and performs a final flush.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	return bw.Flush()
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}
