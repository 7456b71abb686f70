package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/redis"
)

const runningTotalsKey = "appearances:running"

// RedisTotalsCache stores the running total as a Redis hash of customer ID
// to appearances.
type RedisTotalsCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewRedisTotalsCache(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *RedisTotalsCache {
	if m == nil {
		m = metrics.NewNop()
	}
	return &RedisTotalsCache{client: client, ttl: ttl, metrics: m}
}

func (c *RedisTotalsCache) Save(ctx context.Context, counts map[int64]int64) error {
	fields := make(map[string]int64, len(counts))
	for id, n := range counts {
		fields[strconv.FormatInt(id, 10)] = n
	}
	return c.client.HSetInts(ctx, runningTotalsKey, fields, c.ttl)
}

// Load returns the published totals. An absent key yields an empty map.
func (c *RedisTotalsCache) Load(ctx context.Context) (map[int64]int64, error) {
	fields, err := c.client.HGetInts(ctx, runningTotalsKey)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		c.metrics.CacheMissesTotal.Inc()
	} else {
		c.metrics.CacheHitsTotal.Inc()
	}
	out := make(map[int64]int64, len(fields))
	for field, n := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cached customer id %q: %w", field, err)
		}
		out[id] = n
	}
	return out, nil
}
