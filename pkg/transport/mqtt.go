// pkg/transport/mqtt.go
package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// defaultPublishTimeout bounds a broker round trip when the caller's
// context carries no deadline.
const defaultPublishTimeout = 5 * time.Second

var _ Publisher = (*MQTTClient)(nil)

// MQTTClient wraps a paho client behind the Publisher interface and hosts
// topic subscriptions for the ack consumer.
type MQTTClient struct {
	client         mqtt.Client
	publishTimeout time.Duration
	log            logrus.FieldLogger
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	PublishTimeout time.Duration
}

// NewMQTTClient connects to the broker and blocks until the connection is
// up or the connect attempt fails.
func NewMQTTClient(opts MQTTOptions, log logrus.FieldLogger) (*MQTTClient, error) {
	pubTimeout := opts.PublishTimeout
	if pubTimeout <= 0 {
		pubTimeout = defaultPublishTimeout
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	}
	clientOpts.OnConnect = func(_ mqtt.Client) {
		log.Info("mqtt connected")
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.BrokerURL, err)
	}
	return &MQTTClient{client: client, publishTimeout: pubTimeout, log: log}, nil
}

// Publish sends payload to topic and waits for broker confirmation up to
// the context deadline (or the configured publish timeout). A timeout is
// an error; the caller decides what an unconfirmed publish means.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	timeout := c.publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("publish to %s: %w", topic, context.DeadlineExceeded)
	}

	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for every message matching filter.
func (c *MQTTClient) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe to %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	return nil
}

// Disconnect flushes in-flight work and drops the broker connection.
func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(250)
}
