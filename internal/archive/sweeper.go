package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/config"
	"netsentry/internal/schema"
)

// sweepBatchLimit bounds how many flows one export object holds.
const sweepBatchLimit = 5000

// FlowSource is the slice of the store the sweeper reads and trims.
type FlowSource interface {
	FlowsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]schema.FlowRecord, error)
	DeleteFlows(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Sweeper periodically exports flows older than the retention age to
// the uploader and deletes them from the operational store. Flows are
// only deleted after their export object is confirmed uploaded.
type Sweeper struct {
	source   FlowSource
	uploader Uploader
	cfg      config.ArchiveConfig
	logger   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	sweeps        atomic.Int64
	flowsArchived atomic.Int64
	flowsDeleted  atomic.Int64
	errs          atomic.Int64

	now func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(source FlowSource, uploader Uploader, cfg config.ArchiveConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Sweeper{
		source:   source,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		s.logger.Info("retention sweeper started",
			"retention_age", s.cfg.RetentionAge,
			"sweep_interval", s.cfg.SweepInterval,
		)

		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Sweep exports and deletes every flow past the retention age. Batches
// keep going until no aged flows remain.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.cfg.RetentionAge)
	s.sweeps.Add(1)

	for {
		flows, err := s.source.FlowsOlderThan(ctx, cutoff, sweepBatchLimit)
		if err != nil {
			s.errs.Add(1)
			return fmt.Errorf("load aged flows: %w", err)
		}
		if len(flows) == 0 {
			return nil
		}

		key := s.objectKey(flows)
		body, err := encodeFlows(flows)
		if err != nil {
			s.errs.Add(1)
			return fmt.Errorf("encode export batch: %w", err)
		}

		if err := s.uploader.Put(ctx, key, bytes.NewReader(body), "application/gzip"); err != nil {
			s.errs.Add(1)
			return err
		}
		s.flowsArchived.Add(int64(len(flows)))

		ids := make([]uuid.UUID, len(flows))
		for i, f := range flows {
			ids[i] = f.ID
		}
		deleted, err := s.source.DeleteFlows(ctx, ids)
		if err != nil {
			s.errs.Add(1)
			return fmt.Errorf("delete archived flows: %w", err)
		}
		s.flowsDeleted.Add(deleted)

		s.logger.Info("archived aged flows",
			"key", key,
			"flows", len(flows),
			"deleted", deleted,
		)

		if len(flows) < sweepBatchLimit {
			return nil
		}
	}
}

// objectKey builds a date-partitioned key from the oldest flow in the
// batch.
func (s *Sweeper) objectKey(flows []schema.FlowRecord) string {
	oldest := flows[0].StartTime
	for _, f := range flows[1:] {
		if f.StartTime.Before(oldest) {
			oldest = f.StartTime
		}
	}

	prefix := s.cfg.Prefix
	if prefix == "" {
		prefix = "flows"
	}
	return fmt.Sprintf("%s/%s/%s.jsonl.gz", prefix, oldest.UTC().Format("2006/01/02"), uuid.New())
}

// encodeFlows renders flows as gzipped JSONL, one record per line.
func encodeFlows(flows []schema.FlowRecord) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, f := range flows {
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SweeperMetrics holds sweep totals.
type SweeperMetrics struct {
	Sweeps        int64
	FlowsArchived int64
	FlowsDeleted  int64
	Errors        int64
}

// Metrics returns current sweep totals.
func (s *Sweeper) Metrics() SweeperMetrics {
	return SweeperMetrics{
		Sweeps:        s.sweeps.Load(),
		FlowsArchived: s.flowsArchived.Load(),
		FlowsDeleted:  s.flowsDeleted.Load(),
		Errors:        s.errs.Load(),
	}
}
