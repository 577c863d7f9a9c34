// Package broker defines the transport collaborator interface used by the
// requester and server adapter, together with its AMQP implementation and an
// in-memory fake for tests.
package broker

import (
	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
)

// FailureHeader marks a reply as a remote processing failure. The flag lives
// in a message header because the content-type property is diagnostic-only
// and never drives dispatch.
const FailureHeader = "x-remote-failure"

// RemoteFailure is the wire body of a failure reply.
type RemoteFailure struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Delivery is one inbound message instance with its acknowledgement tag.
type Delivery struct {
	Tag           uint64
	CorrelationID string
	ReplyTo       string
	Envelope      codec.Envelope
	Headers       map[string]interface{}
}

// IsFailure reports whether the delivery carries the remote-failure header.
func (d Delivery) IsFailure() bool {
	v, ok := d.Headers[FailureHeader]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Return is an unroutable-message notice from the broker, tagged with the
// correlation id of the original publish.
type Return struct {
	CorrelationID string
	Envelope      codec.Envelope
}

// Event signals a connectivity transition of the underlying transport.
type Event int

const (
	EventDisconnected Event = iota
	EventConnected
)

func (e Event) String() string {
	if e == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// PublishOptions carries the per-publish delivery options.
type PublishOptions struct {
	CorrelationID string
	ReplyTo       string
	Mandatory     bool
	Immediate     bool
	Headers       map[string]interface{}
}

// Connection is the transport collaborator. One Connection is exclusively
// owned by a single requester or server adapter instance. Connection
// establishment and reconnection policy live outside this interface; the
// owner only reacts to Events.
type Connection interface {
	// Publish sends one envelope to the given exchange and routing key.
	Publish(exchange, routingKey string, env codec.Envelope, opts PublishOptions) error

	// Consume starts delivering messages from the queue in
	// manual-acknowledgement mode.
	Consume(queue string) (<-chan Delivery, error)

	// Ack acknowledges a delivery by tag.
	Ack(tag uint64) error

	// DeclareQueue declares a queue and returns its resolved name. A
	// randomized queue gets a fresh unique suffix on every call.
	DeclareQueue(cfg config.Queue) (string, error)

	// DeclareExchange declares an exchange.
	DeclareExchange(cfg config.Exchange) error

	// Bind binds a queue to an exchange.
	Bind(exchange, queue, routingKey string) error

	// Returns delivers unroutable-message notices.
	Returns() <-chan Return

	// Events delivers connectivity transitions.
	Events() <-chan Event
}
