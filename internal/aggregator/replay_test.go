package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDetector(cfg ReplayConfig) (*ReplayDetector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := NewReplayDetector(cfg)
	d.now = clock.Now
	return d, clock
}

func TestReplayDetectedOnEighthSubmission(t *testing.T) {
	d, clock := newTestDetector(DefaultReplayConfig())
	payload := map[string]any{"temperature": 22.03, "humidity": 61.2, "motion": 0}

	for i := 1; i <= 7; i++ {
		kind, err := d.Check("D1", payload)
		require.NoError(t, err)
		assert.Equal(t, ThreatNone, kind, "submission %d", i)
		clock.Advance(500 * time.Millisecond)
	}

	kind, err := d.Check("D1", payload)
	require.NoError(t, err)
	assert.Equal(t, ThreatReplay, kind)
}

func TestReplayToleratesSensorNoise(t *testing.T) {
	d, _ := newTestDetector(ReplayConfig{RepeatThreshold: 3})

	payloads := []map[string]any{
		{"temperature": 22.03, "humidity": 61.2, "motion": 0},
		{"temperature": 22.04, "humidity": 60.8, "motion": "0"},
		{"temperature": "22.01", "humidity": 61.4},
	}
	var kind ThreatKind
	for _, p := range payloads {
		var err error
		kind, err = d.Check("D1", p)
		require.NoError(t, err)
	}
	assert.Equal(t, ThreatReplay, kind)
}

func TestReplayWindowExpires(t *testing.T) {
	d, clock := newTestDetector(ReplayConfig{RepeatThreshold: 3})
	payload := map[string]any{"temperature": 20.0}

	d.Check("D1", payload)
	d.Check("D1", payload)
	clock.Advance(6 * time.Second)

	kind, err := d.Check("D1", payload)
	require.NoError(t, err)
	assert.Equal(t, ThreatNone, kind)
}

func TestReplayIsPerDevice(t *testing.T) {
	d, _ := newTestDetector(ReplayConfig{RepeatThreshold: 2})
	payload := map[string]any{"temperature": 20.0}

	kind, _ := d.Check("D1", payload)
	assert.Equal(t, ThreatNone, kind)
	kind, _ = d.Check("D2", payload)
	assert.Equal(t, ThreatNone, kind)
	assert.Equal(t, 2, d.Devices())
}

func TestBurstDetected(t *testing.T) {
	d, clock := newTestDetector(DefaultReplayConfig())

	// 100 distinct payloads in 5s is 20 msg/s.
	var kind ThreatKind
	for i := 0; i < 100; i++ {
		var err error
		kind, err = d.Check("D1", map[string]any{"temperature": float64(i)})
		require.NoError(t, err)
		if i < 99 {
			require.Equal(t, ThreatNone, kind, "submission %d", i+1)
		}
		clock.Advance(40 * time.Millisecond)
	}
	assert.Equal(t, ThreatBurst, kind)
}

func TestHistoryCapacityBoundsWindow(t *testing.T) {
	d, _ := newTestDetector(ReplayConfig{RepeatThreshold: 5, BurstRateThreshold: 1000, HistoryCapacity: 3})
	payload := map[string]any{"temperature": 20.0}

	for i := 0; i < 10; i++ {
		kind, err := d.Check("D1", payload)
		require.NoError(t, err)
		assert.Equal(t, ThreatNone, kind, "only 3 entries are ever retained")
	}
}

func TestConcurrentChecksAreLinearized(t *testing.T) {
	d, _ := newTestDetector(ReplayConfig{RepeatThreshold: 50, BurstRateThreshold: 1e6})
	payload := map[string]any{"temperature": 20.0}

	var mu sync.Mutex
	replays := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind, err := d.Check("D1", payload)
			if err == nil && kind == ThreatReplay {
				mu.Lock()
				replays++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Submissions 50 through 100 each see at least 50 identical entries.
	assert.Equal(t, 51, replays)
}

func TestFingerprintPayload(t *testing.T) {
	a, err := FingerprintPayload(map[string]any{"temperature": 22.03, "humidity": 61.2, "motion": 0})
	require.NoError(t, err)
	b, err := FingerprintPayload(map[string]any{"motion": false, "humidity": "61", "temperature": 21.96})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Half to even on humidity.
	c, _ := FingerprintPayload(map[string]any{"humidity": 60.5})
	e, _ := FingerprintPayload(map[string]any{"humidity": 60})
	assert.Equal(t, c, e)

	_, err = FingerprintPayload(map[string]any{"temperature": "warm"})
	assert.Error(t, err)
	_, err = FingerprintPayload(map[string]any{"motion": "yes"})
	assert.Error(t, err)
}
