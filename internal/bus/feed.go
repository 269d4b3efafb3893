package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// feed is one persistent reader for a subscribed topic. It fetches,
// dispatches and commits in a loop, backing off exponentially between
// ReconnectMinBackoff and ReconnectMaxBackoff on fetch failures and
// resetting the backoff after the next successful fetch.
type feed struct {
	cfg      *Config
	topic    string
	dialer   *kafka.Dialer
	dispatch func(ctx context.Context, topic string, payload []byte)
	logger   *slog.Logger

	consumed atomic.Int64
	failures atomic.Int64
}

func newFeed(cfg *Config, topic string, dialer *kafka.Dialer, dispatch func(context.Context, string, []byte), logger *slog.Logger) *feed {
	return &feed{
		cfg:      cfg,
		topic:    topic,
		dialer:   dialer,
		dispatch: dispatch,
		logger:   logger,
	}
}

func (f *feed) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        f.cfg.Brokers,
		GroupID:        f.cfg.ConsumerGroup,
		Topic:          f.topic,
		Dialer:         f.dialer,
		MinBytes:       f.cfg.ConsumerMinBytes,
		MaxBytes:       f.cfg.ConsumerMaxBytes,
		MaxWait:        f.cfg.ConsumerMaxWait,
		CommitInterval: f.cfg.CommitInterval,
		StartOffset:    f.cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			f.logger.Debug("bus reader error", "detail", msg, "args", args)
		}),
	})
}

// run consumes until the context is canceled. The reader is recreated
// after a failed fetch so a broken connection is re-dialed rather than
// reused.
func (f *feed) run(ctx context.Context) {
	backoff := f.cfg.ReconnectMinBackoff
	reader := f.newReader()
	defer func() {
		if err := reader.Close(); err != nil {
			f.logger.Error("bus reader close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			f.failures.Add(1)
			f.logger.Warn("fetch failed, reconnecting",
				"error", err,
				"backoff", backoff,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > f.cfg.ReconnectMaxBackoff {
				backoff = f.cfg.ReconnectMaxBackoff
			}

			if closeErr := reader.Close(); closeErr != nil {
				f.logger.Debug("stale reader close failed", "error", closeErr)
			}
			reader = f.newReader()
			continue
		}

		backoff = f.cfg.ReconnectMinBackoff

		f.dispatch(ctx, msg.Topic, msg.Value)
		f.consumed.Add(1)

		if err := reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("commit failed",
				"error", err,
				"offset", msg.Offset,
			)
		}
	}
}
