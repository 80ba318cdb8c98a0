package aiclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sentinel/internal/features"
)

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Timeout = time.Second
	cfg.RateLimit = 0
	return cfg
}

func TestAssessPostsFeatures(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"label":"1","label_idx":1,"confidence":0.99,"probs":[0.01,0.99],"uncertain":false}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	a, err := c.Assess(context.Background(), features.Input{"device_id": "D1", "temperature": 22.5})
	require.NoError(t, err)

	assert.Equal(t, "1", a.Label)
	assert.Equal(t, 0.99, a.Raw["confidence"])
	require.Contains(t, got, "features")
	assert.Equal(t, "D1", got["features"].(map[string]any)["device_id"])
}

func TestAssessLabelVariants(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"label":"normal"}`, "normal"},
		{`{"label":0}`, "0"},
		{`{"label":null}`, "none"},
		{`{}`, "unknown"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(tt.body))
		}))
		a, err := New(testConfig(srv.URL)).Assess(context.Background(), features.Input{})
		srv.Close()
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.want, a.Label, tt.body)
	}
}

func TestAssessNon200IsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Scaler transform failed"}`))
	}))
	defer srv.Close()

	_, err := New(testConfig(srv.URL)).Assess(context.Background(), features.Input{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAssessTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	_, err := New(cfg).Assess(context.Background(), features.Input{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAssessCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FailureThreshold = 3
	cfg.OpenTimeout = time.Minute
	c := New(cfg)

	for i := 0; i < 10; i++ {
		_, err := c.Assess(context.Background(), features.Input{})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(3), calls.Load(), "breaker stops calling after the threshold")
}

func TestAssessRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"label":"0"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RateLimit = 0.001
	cfg.Burst = 2
	c := New(cfg)

	var limited int
	for i := 0; i < 5; i++ {
		if _, err := c.Assess(context.Background(), features.Input{}); err != nil {
			assert.ErrorIs(t, err, ErrUnavailable)
			limited++
		}
	}
	assert.Equal(t, 3, limited)
	assert.Equal(t, int32(2), calls.Load())
}
