// Package mqtt publishes decision events and link telemetry to an
// MQTT broker for remote monitoring. The broker is an observer: a
// broker outage never blocks or fails a decision cycle.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// Config holds broker connection settings.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// ConfigFromUCI maps daemon configuration onto broker settings.
func ConfigFromUCI(config *uci.Config) *Config {
	return &Config{
		Broker:      config.MQTTBroker,
		Port:        config.MQTTPort,
		ClientID:    config.MQTTClientID,
		Username:    config.MQTTUsername,
		Password:    config.MQTTPassword,
		TopicPrefix: config.MQTTTopicPrefix,
		QoS:         config.MQTTQoS,
		Retain:      config.MQTTRetain,
		Enabled:     config.MQTTEnabled,
	}
}

// Client wraps the paho client with the satfaild topic layout:
// <prefix>/events, <prefix>/metrics, <prefix>/status.
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected bool
}

// NewClient creates a client. Connect must be called before publishing.
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker session. Reconnects after that are
// handled by the paho client in the background.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
	)

	return nil
}

// Disconnect closes the broker session.
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT client disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected = true
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("MQTT connection lost", "error", err)
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil && c.client.IsConnected()
}

// PublishEvent publishes a decision event to <prefix>/events.
func (c *Client) PublishEvent(event pkg.DecisionEvent) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/events", c.config.TopicPrefix)
	return c.publishJSON(topic, event)
}

// PublishMetrics publishes the latest link metrics to
// <prefix>/metrics.
func (c *Client) PublishMetrics(metrics *pkg.LinkMetrics) error {
	if !c.config.Enabled || !c.connected || metrics == nil {
		return nil
	}

	topic := fmt.Sprintf("%s/metrics", c.config.TopicPrefix)
	return c.publishJSON(topic, metrics)
}

// PublishStatus publishes an engine status snapshot to
// <prefix>/status.
func (c *Client) PublishStatus(status interface{}) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/status", c.config.TopicPrefix)
	return c.publishJSON(topic, status)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.Debug("MQTT message published",
		"topic", topic,
		"size", len(data),
	)

	return nil
}

// Recorder adapts the client to the decision event fan-out. Publish
// failures are logged and swallowed so a flaky broker cannot poison
// the audit path it shares with the CSV and sqlite recorders.
type Recorder struct {
	client *Client
	logger *logx.Logger
}

// NewRecorder wraps a connected client as an event recorder.
func NewRecorder(client *Client, logger *logx.Logger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

// Record publishes the event, dropping it when the broker is away.
func (r *Recorder) Record(event pkg.DecisionEvent) error {
	if err := r.client.PublishEvent(event); err != nil {
		r.logger.Warn("Failed to publish decision event",
			"event_type", event.Type,
			"error", err,
		)
	}
	return nil
}
