package live

import (
	"context"
	"log/slog"
	"time"

	"netsentry/internal/schema"
)

// FallbackSource queries the primary traffic source and falls back to
// the secondary when the primary fails. Deployments with an analytics
// backend stream from it and keep the operational store as backup.
type FallbackSource struct {
	primary   TrafficSource
	secondary TrafficSource
	logger    *slog.Logger
}

// NewFallbackSource composes two traffic sources.
func NewFallbackSource(primary, secondary TrafficSource, logger *slog.Logger) *FallbackSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackSource{primary: primary, secondary: secondary, logger: logger}
}

// BucketedTraffic queries the primary source, then the secondary.
func (f *FallbackSource) BucketedTraffic(ctx context.Context, addr string, since time.Time, maxPoints int) ([]schema.TrafficPoint, error) {
	points, err := f.primary.BucketedTraffic(ctx, addr, since, maxPoints)
	if err == nil {
		return points, nil
	}
	f.logger.Warn("primary traffic source failed, falling back",
		"address", addr,
		"error", err,
	)
	return f.secondary.BucketedTraffic(ctx, addr, since, maxPoints)
}
