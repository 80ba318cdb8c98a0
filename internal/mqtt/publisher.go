package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/models"
)

// Publisher emits device updates to per-device status topics. It implements
// notify.Notifier; Notify only queues and Serve does the network I/O.
type Publisher struct {
	client      pahomqtt.Client
	statusTopic string
	publishWait time.Duration

	// UpdateChan is written by Notify and drained by Serve.
	UpdateChan chan models.DeviceUpdate
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	StatusTopic string // e.g. "devices/{device_id}/status"
	BufferSize  int
	PublishWait time.Duration
}

// NewPublisher creates a publisher.
func NewPublisher(client pahomqtt.Client, config PublisherConfig) *Publisher {
	if config.StatusTopic == "" {
		config.StatusTopic = "devices/{device_id}/status"
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.PublishWait <= 0 {
		config.PublishWait = 5 * time.Second
	}
	return &Publisher{
		client:      client,
		statusTopic: config.StatusTopic,
		publishWait: config.PublishWait,
		UpdateChan:  make(chan models.DeviceUpdate, config.BufferSize),
	}
}

// Notify queues an update without blocking the caller.
func (p *Publisher) Notify(_ context.Context, update models.DeviceUpdate) {
	select {
	case p.UpdateChan <- update:
	default:
		logging.Warn().Str("component", "mqtt").Str("device_id", update.DeviceID).Msg("status channel full, dropping update")
	}
}

// Serve publishes queued updates until ctx is cancelled.
func (p *Publisher) Serve(ctx context.Context) error {
	logging.Info().Str("component", "mqtt").Str("topic", p.statusTopic).Msg("status publisher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-p.UpdateChan:
			if err := p.publish(update); err != nil {
				logging.Error().Str("component", "mqtt").Str("device_id", update.DeviceID).Err(err).Msg("publish failed")
			}
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (p *Publisher) String() string { return "mqtt-status-publisher" }

func (p *Publisher) publish(update models.DeviceUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal device update: %w", err)
	}

	topic := formatTopic(p.statusTopic, update.DeviceID)
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.publishWait) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	logging.Debug().Str("component", "mqtt").Str("topic", topic).Str("threat", update.ThreatStatus).Msg("device update published")
	return nil
}

// formatTopic replaces the {device_id} placeholder.
func formatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}
