package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sentinel/internal/models"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeClient records publishes; any other paho method panics.
type fakeClient struct {
	pahomqtt.Client

	mu        sync.Mutex
	published []publishedMessage
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func TestExtractDeviceID(t *testing.T) {
	assert.Equal(t, "dev-001", extractDeviceID("sensor/dev-001/telemetry"))
	assert.Equal(t, "", extractDeviceID("telemetry"))
}

func TestFormatTopic(t *testing.T) {
	assert.Equal(t, "devices/D1/status", formatTopic("devices/{device_id}/status", "D1"))
}

func TestSubscriberDecode(t *testing.T) {
	out := make(chan models.TelemetryEvent, 1)
	s := NewSubscriber(nil, SubscriberConfig{}, out)

	ev, err := s.decode("sensor/D9/telemetry", []byte(`{"temperature":21.5,"humidity":40}`))
	require.NoError(t, err)
	assert.Equal(t, "D9", ev.DeviceID)
	assert.Equal(t, "D9", ev.Payload["device_id"])
	assert.Equal(t, 21.5, ev.Payload["temperature"])

	ev, err = s.decode("sensor/D9/telemetry", []byte(`{"device_id":"D3","motion":1}`))
	require.NoError(t, err)
	assert.Equal(t, "D3", ev.DeviceID)

	_, err = s.decode("sensor/D9/telemetry", []byte(`21.5`))
	assert.Error(t, err)

	_, err = s.decode("sensor/D9/telemetry", []byte(`{}`))
	assert.Error(t, err)
}

func TestPublisherPublishesQueuedUpdates(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, PublisherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	p.Notify(ctx, models.DeviceUpdate{DeviceID: "D1", ThreatStatus: models.ThreatDetected, DataSummary: "22°C, 61%", LastSeen: models.LastSeenNow})

	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := client.messages()[0]
	assert.Equal(t, "devices/D1/status", msg.topic)

	var got models.DeviceUpdate
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, models.ThreatDetected, got.ThreatStatus)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPublisherNotifyDropsWhenFull(t *testing.T) {
	p := NewPublisher(&fakeClient{}, PublisherConfig{BufferSize: 1})

	p.Notify(context.Background(), models.DeviceUpdate{DeviceID: "a"})
	p.Notify(context.Background(), models.DeviceUpdate{DeviceID: "b"})

	require.Len(t, p.UpdateChan, 1)
	assert.Equal(t, "a", (<-p.UpdateChan).DeviceID)
}
