// Package aggregator keeps the short-horizon per-device state the threat
// pipeline derives signals from: request rates per second and recent
// payload history.
package aggregator

import (
	"context"
	"sync"
	"time"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
)

// UnknownBucket collects observations whose timestamp could not be parsed.
// It is never evicted.
const UnknownBucket = "__unknown__"

type rateKey struct {
	deviceID string
	bucket   string
}

// RateCounterConfig holds configuration for the request-rate counter.
type RateCounterConfig struct {
	// Retention is both the sweep interval and how far back buckets are kept.
	Retention time.Duration
}

// DefaultRateCounterConfig returns the default configuration.
func DefaultRateCounterConfig() RateCounterConfig {
	return RateCounterConfig{Retention: 300 * time.Second}
}

// RateCounter counts observations per (device, second).
type RateCounter struct {
	mu     sync.Mutex
	counts map[rateKey]int
	config RateCounterConfig

	// now is replaceable in tests.
	now func() time.Time
}

// NewRateCounter creates an empty counter.
func NewRateCounter(config RateCounterConfig) *RateCounter {
	if config.Retention <= 0 {
		config.Retention = DefaultRateCounterConfig().Retention
	}
	return &RateCounter{
		counts: make(map[rateKey]int),
		config: config,
		now:    time.Now,
	}
}

// Observe increments the count for the device and the second timestamp falls
// in, and returns the new count.
func (c *RateCounter) Observe(deviceID string, timestamp any) int {
	bucket, ok := features.NormalizeTimestamp(timestamp)
	if !ok {
		bucket = UnknownBucket
	}
	key := rateKey{deviceID: deviceID, bucket: bucket}

	c.mu.Lock()
	c.counts[key]++
	n := c.counts[key]
	size := len(c.counts)
	c.mu.Unlock()

	metrics.RateCounterEntries.Set(float64(size))
	return n
}

// Count returns the current count without incrementing.
func (c *RateCounter) Count(deviceID string, timestamp any) int {
	bucket, ok := features.NormalizeTimestamp(timestamp)
	if !ok {
		bucket = UnknownBucket
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[rateKey{deviceID: deviceID, bucket: bucket}]
}

// Len returns the number of live buckets.
func (c *RateCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// Sweep removes every bucket outside the retention window and returns how
// many were removed. The window is measured back from the current UTC
// second; buckets in the future are also removed.
func (c *RateCounter) Sweep() int {
	now := c.now().UTC().Truncate(time.Second)
	oldest := now.Add(-c.config.Retention)

	c.mu.Lock()
	removed := 0
	for key := range c.counts {
		if key.bucket == UnknownBucket {
			continue
		}
		t, err := time.Parse(features.BucketLayout, key.bucket)
		if err != nil || !t.After(oldest) || t.After(now) {
			delete(c.counts, key)
			removed++
		}
	}
	size := len(c.counts)
	c.mu.Unlock()

	metrics.RateCounterEntries.Set(float64(size))
	metrics.RateCounterEvictions.Add(float64(removed))
	return removed
}

// Serve runs the eviction sweep every Retention until ctx is cancelled.
func (c *RateCounter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Retention)
	defer ticker.Stop()

	logging.Info().
		Str("component", "rate-counter").
		Dur("retention", c.config.Retention).
		Msg("eviction sweep started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed := c.Sweep()
			logging.Debug().
				Str("component", "rate-counter").
				Int("removed", removed).
				Int("remaining", c.Len()).
				Msg("eviction sweep")
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (c *RateCounter) String() string { return "rate-counter-sweeper" }
