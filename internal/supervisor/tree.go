// Package supervisor runs the long-lived workers under a suture tree so a
// crashed worker is restarted with backoff instead of taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"iot-sentinel/internal/logging"
)

// TreeConfig holds restart policy for every supervisor in the tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long a service may take to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns default configuration
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups services into three layers:
//
//	iot-sentinel
//	├── core-layer       (rate sweeper, persistence writer, threat consumer)
//	├── messaging-layer  (websocket hub, MQTT status publisher)
//	└── api-layer        (HTTP server)
type Tree struct {
	root      *suture.Supervisor
	core      *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
}

// NewTree builds the supervisor hierarchy. Zero config fields take defaults.
func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the root's EventHook when added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("iot-sentinel", rootSpec),
		core:      suture.New("core-layer", childSpec),
		messaging: suture.New("messaging-layer", childSpec),
		api:       suture.New("api-layer", childSpec),
	}
	t.root.Add(t.core)
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	return t
}

// AddCoreService adds a worker on the scoring and persistence path.
func (t *Tree) AddCoreService(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

// AddMessagingService adds a notification or ingestion transport.
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddAPIService adds an HTTP listener.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a new goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func logEvent(e suture.Event) {
	ev := logging.Warn()
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
		ev = logging.Error()
	case suture.EventTypeResume:
		ev = logging.Info()
	}
	ev.Str("component", "supervisor").
		Fields(e.Map()).
		Msg(e.String())
}
