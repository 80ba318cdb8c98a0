// Package mqtt connects the service to the device MQTT broker: telemetry
// arrives on a subscriber and device updates leave through a publisher.
package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"iot-sentinel/internal/logging"
)

// Client owns the broker connection. Subscriber and Publisher share it.
type Client struct {
	client pahomqtt.Client
	config ClientConfig
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "iot-sentinel",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// NewClient connects to the broker. Reconnection after a lost connection is
// left to paho; subscriptions are restored in the on-connect hook.
func NewClient(config ClientConfig, onConnect ...func()) (*Client, error) {
	def := DefaultClientConfig()
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		logging.Debug().Str("component", "mqtt").Str("topic", msg.Topic()).Msg("unhandled message")
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logging.Info().Str("component", "mqtt").Str("broker", config.Broker).Msg("connection established")
		for _, fn := range onConnect {
			fn()
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.Warn().Str("component", "mqtt").Err(err).Msg("connection lost")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", config.Broker, err)
	}

	return &Client{client: client, config: config}, nil
}

// Native returns the underlying paho client.
func (c *Client) Native() pahomqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, allowing in-flight work 250ms to complete.
func (c *Client) Close() {
	c.client.Disconnect(250)
	logging.Info().Str("component", "mqtt").Msg("disconnected")
}
