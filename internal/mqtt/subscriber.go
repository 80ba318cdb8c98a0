package mqtt

import (
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/models"
)

// Subscriber turns telemetry messages into TelemetryEvents.
type Subscriber struct {
	client pahomqtt.Client
	topic  string
	qos    byte

	// Out is written by the subscriber and read by the threat service.
	Out chan<- models.TelemetryEvent

	now func() time.Time
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	TelemetryTopic string // e.g. "sensor/+/telemetry"
	QoS            byte
}

// NewSubscriber creates a subscriber that delivers to out.
func NewSubscriber(client pahomqtt.Client, config SubscriberConfig, out chan<- models.TelemetryEvent) *Subscriber {
	if config.TelemetryTopic == "" {
		config.TelemetryTopic = "sensor/+/telemetry"
	}
	if config.QoS == 0 {
		config.QoS = 1
	}
	return &Subscriber{
		client: client,
		topic:  config.TelemetryTopic,
		qos:    config.QoS,
		Out:    out,
		now:    time.Now,
	}
}

// Subscribe registers the telemetry handler. It is safe to call again after
// a reconnect.
func (s *Subscriber) Subscribe() error {
	token := s.client.Subscribe(s.topic, s.qos, s.handleTelemetry)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, token.Error())
	}
	logging.Info().Str("component", "mqtt").Str("topic", s.topic).Msg("subscribed")
	return nil
}

func (s *Subscriber) handleTelemetry(_ pahomqtt.Client, msg pahomqtt.Message) {
	ev, err := s.decode(msg.Topic(), msg.Payload())
	if err != nil {
		logging.Warn().Str("component", "mqtt").Str("topic", msg.Topic()).Err(err).Msg("dropping telemetry")
		return
	}

	// The paho callback goroutine must not block on a slow consumer.
	select {
	case s.Out <- ev:
	default:
		logging.Warn().Str("component", "mqtt").Str("device_id", ev.DeviceID).Msg("telemetry channel full, dropping message")
	}
}

// decode parses a JSON object payload. The device_id in the payload wins
// over the one in the topic.
func (s *Subscriber) decode(topic string, payload []byte) (models.TelemetryEvent, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return models.TelemetryEvent{}, fmt.Errorf("invalid telemetry payload: %w", err)
	}
	if len(body) == 0 {
		return models.TelemetryEvent{}, fmt.Errorf("empty telemetry payload")
	}

	deviceID := extractDeviceID(topic)
	if id, ok := body["device_id"].(string); ok && id != "" {
		deviceID = id
	}
	if deviceID == "" {
		return models.TelemetryEvent{}, fmt.Errorf("no device id in topic %q", topic)
	}
	body["device_id"] = deviceID

	return models.TelemetryEvent{
		DeviceID:   deviceID,
		ReceivedAt: s.now(),
		Payload:    body,
	}, nil
}

// extractDeviceID returns the second topic level.
// "sensor/dev-001/telemetry" -> "dev-001"
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
