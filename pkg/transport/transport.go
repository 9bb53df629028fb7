// pkg/transport/transport.go

// Package transport is the boundary to the message broker. The rest of the
// control plane consumes it through the Publisher interface; the MQTT
// implementation lives here but callers never see paho types.
package transport

import "context"

// QoS levels understood by the broker.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

// Publisher sends a payload to a broker topic. Implementations must bound
// the call: a timeout is reported as an error exactly like a refused
// publish. Callers never hold a database transaction across a Publish.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Subscriber delivers a stream of messages for a topic filter to a
// handler. Handlers run on the client's network goroutine and must not
// block for long.
type Subscriber interface {
	Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error
}
