// pkg/command/ack_consumer.go
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/model"
	"github.com/fleetware/controlplane/pkg/transport"
)

// ackHandleTimeout bounds the ledger write for one inbound ack message.
const ackHandleTimeout = 10 * time.Second

// ackMessage is the payload devices publish on their ack topic.
type ackMessage struct {
	CommandID string                 `json:"commandId"`
	Status    model.AckResult        `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AckConsumer feeds device acknowledgements arriving over the broker into
// the command ledger. Malformed topics or payloads and acks for
// already-resolved commands are dropped with a log line; the broker path
// is best-effort by contract.
type AckConsumer struct {
	ledger *Service
	log    logrus.FieldLogger
}

// NewAckConsumer returns a consumer bound to the given ledger.
func NewAckConsumer(ledger *Service, log logrus.FieldLogger) *AckConsumer {
	return &AckConsumer{ledger: ledger, log: log}
}

// Start subscribes to every device's ack topic across all tenants.
func (c *AckConsumer) Start(sub transport.Subscriber) error {
	return sub.Subscribe(transport.AckTopicFilter, transport.QoSAtLeastOnce, c.Handle)
}

// Handle processes one inbound ack message.
func (c *AckConsumer) Handle(topic string, payload []byte) {
	tenantID, deviceID, err := transport.ParseAckTopic(topic)
	if err != nil {
		c.log.WithError(err).Warn("ignoring message on unexpected topic")
		return
	}
	logger := c.log.WithFields(logrus.Fields{"tenant": tenantID, "device": deviceID})

	var msg ackMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.WithError(err).Warn("ignoring malformed ack payload")
		return
	}
	if msg.CommandID == "" || !msg.Status.Valid() {
		logger.Warn("ignoring ack with missing commandId or status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackHandleTimeout)
	defer cancel()

	acked, err := c.ledger.Acknowledge(ctx, tenantID, deviceID, msg.CommandID, msg.Status, msg.Details)
	if err != nil {
		logger.WithError(err).WithField("command", msg.CommandID).Error("failed to record ack")
		return
	}
	if acked {
		logger.WithField("command", msg.CommandID).Info("command acknowledged via broker")
	}
}
