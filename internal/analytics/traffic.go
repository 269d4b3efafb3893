package analytics

import (
	"context"
	"fmt"
	"time"

	"netsentry/internal/schema"
)

// BucketedTraffic aggregates flows touching addr since the window start
// into one-second buckets, oldest first, capped at maxPoints. Mirrors
// the operational store's query so the two are interchangeable as a
// traffic source.
func (c *Client) BucketedTraffic(ctx context.Context, addr string, since time.Time, maxPoints int) ([]schema.TrafficPoint, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT toStartOfSecond(start_time) AS bucket,
		       sum(pps), sum(bps)
		FROM flows
		WHERE (src_ip = ? OR dst_ip = ?) AND start_time >= ?
		GROUP BY bucket
		ORDER BY bucket ASC
		LIMIT ?`,
		addr, addr, since.UTC(), maxPoints)
	if err != nil {
		return nil, fmt.Errorf("query bucketed traffic: %w", err)
	}
	defer rows.Close()

	var points []schema.TrafficPoint
	for rows.Next() {
		var bucket time.Time
		var pps, bps float64
		if err := rows.Scan(&bucket, &pps, &bps); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		points = append(points, schema.TrafficPoint{
			Timestamp: bucket.UTC(),
			PPS:       pps,
			BPS:       bps,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read buckets: %w", err)
	}
	return points, nil
}
