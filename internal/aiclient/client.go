// Package aiclient calls a prediction service running in another process.
package aiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
	"iot-sentinel/internal/models"
)

// ErrUnavailable wraps every failure to obtain a label: transport errors,
// non-200 responses, an open circuit or a local rate limit.
var ErrUnavailable = errors.New("scorer unavailable")

// Config holds configuration for the remote scorer client.
type Config struct {
	URL       string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int

	// Circuit breaker
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "http://localhost:5000/predict",
		Timeout:          10 * time.Second,
		RateLimit:        50,
		Burst:            10,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Client posts telemetry to a remote /predict endpoint.
type Client struct {
	config  Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[models.Assessment]
	limiter *rate.Limiter
}

// New creates a client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}

	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}

	c.breaker = gobreaker.NewCircuitBreaker[models.Assessment](gobreaker.Settings{
		Name:        "remote-scorer",
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.ScorerBreakerState.Set(breakerStateValue(to))
			logging.Warn().
				Str("component", "aiclient").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type predictRequest struct {
	Features features.Input `json:"features"`
}

// Assess posts in as {"features": in} and returns the label from the
// response body. The call is bounded by both ctx and the client timeout.
func (c *Client) Assess(ctx context.Context, in features.Input) (models.Assessment, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return models.Assessment{}, fmt.Errorf("%w: rate limited", ErrUnavailable)
	}

	a, err := c.breaker.Execute(func() (models.Assessment, error) {
		return c.post(ctx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return models.Assessment{}, err
	}
	return a, nil
}

func (c *Client) post(ctx context.Context, in features.Input) (models.Assessment, error) {
	body, err := json.Marshal(predictRequest{Features: in})
	if err != nil {
		return models.Assessment{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return models.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.Assessment{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Assessment{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Assessment{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	label := "unknown"
	if v, ok := raw["label"]; ok {
		label = features.Stringify(v)
		if v == nil {
			label = "none"
		}
	}
	return models.Assessment{Label: label, Raw: raw}, nil
}
