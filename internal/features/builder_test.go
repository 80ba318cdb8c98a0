package features

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingObserver counts per (device, raw timestamp) without normalization.
type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
	calls  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{counts: make(map[string]int)}
}

func (o *countingObserver) Observe(deviceID string, ts any) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	key := deviceID + "|" + Stringify(ts)
	o.counts[key]++
	return o.counts[key]
}

func testSchema() *Schema {
	return NewSchema([]string{"temperature", "humidity", "motion"})
}

func TestBuildVectorMatchesSchema(t *testing.T) {
	b := NewBuilder(testSchema(), newCountingObserver())

	subsets := []Input{
		{},
		{"temperature": 22.0},
		{"humidity": 60, "motion": 1, "extra": "ignored"},
		{"temperature": 21.5, "humidity": 55.0, "motion": 0, "device_id": "D9"},
	}
	for _, in := range subsets {
		vec, rec := b.Build(in)
		assert.Len(t, vec, 4)
		assert.Len(t, rec.Fields, 4)
	}
}

func TestBuildMalformedFieldsBecomeZero(t *testing.T) {
	b := NewBuilder(testSchema(), newCountingObserver())

	vec, rec := b.Build(Input{
		"temperature": "hot",
		"humidity":    []string{"x"},
		"motion":      "1",
	})

	assert.Equal(t, 0.0, vec[0])
	assert.Equal(t, 0.0, vec[1])
	assert.Equal(t, 1.0, vec[2])
	assert.Equal(t, "hot", rec.Value("temperature"), "log keeps the original value")
}

func TestBuildRateFromCounter(t *testing.T) {
	obs := newCountingObserver()
	b := NewBuilder(testSchema(), obs)
	in := Input{"device_id": "D1", "timestamp": "2024-03-01T12:00:00", "temperature": 22.03}

	first, _ := b.Build(in)
	second, rec := b.Build(in)

	idx := b.Schema().Index(RateFeature)
	assert.Equal(t, 1.0, first[idx])
	assert.Equal(t, 2.0, second[idx])
	assert.Equal(t, 2, rec.Value(RateFeature))
	assert.Equal(t, "D1", rec.DeviceID)
}

func TestBuildRateOverride(t *testing.T) {
	obs := newCountingObserver()
	b := NewBuilder(testSchema(), obs)
	idx := b.Schema().Index(RateFeature)

	vec, rec := b.Build(Input{RateFeature: "7.9"})
	assert.Equal(t, 7.0, vec[idx])
	assert.Equal(t, "7.9", rec.Value(RateFeature))

	vec, _ = b.Build(Input{RateAlias: 3})
	assert.Equal(t, 3.0, vec[idx])
	assert.Equal(t, 0, obs.calls)

	// Empty or malformed overrides fall back to the counter.
	vec, _ = b.Build(Input{RateFeature: ""})
	assert.Equal(t, 1.0, vec[idx])
	vec, _ = b.Build(Input{RateFeature: "many"})
	assert.Equal(t, 2.0, vec[idx])
	assert.Equal(t, 2, obs.calls)
}

func TestBuildDefaultsDeviceID(t *testing.T) {
	b := NewBuilder(testSchema(), newCountingObserver())
	_, rec := b.Build(Input{"device_id": nil})
	assert.Equal(t, DefaultDeviceID, rec.DeviceID)
}

func TestLogRecordMarshalJSON(t *testing.T) {
	b := NewBuilder(testSchema(), newCountingObserver())
	_, rec := b.Build(Input{"temperature": 22.5, "timestamp": "raw-ts"})

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "raw-ts", got["raw_timestamp"])
	assert.Equal(t, 22.5, got["temperature"])
	assert.Nil(t, got["humidity"])
	assert.Contains(t, got, "humidity")
}
