package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
)

// MockBroker is an in-memory stand-in for a message broker, shared by one or
// more MockConnections. Publishes to the default exchange are routed to the
// consumer of the queue named by the routing key; unroutable mandatory
// publishes come back as Returns on the publishing connection, like a real
// broker would.
type MockBroker struct {
	mu        sync.Mutex
	tag       uint64
	consumers map[string]chan Delivery
	published []MockPublish
	acked     []uint64
}

// MockPublish records one publish observed by the mock broker.
type MockPublish struct {
	Exchange   string
	RoutingKey string
	Envelope   codec.Envelope
	Options    PublishOptions
}

// NewMockBroker creates an empty in-memory broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		consumers: make(map[string]chan Delivery),
	}
}

// Connection creates a new connection to the mock broker. Each connection has
// its own event and return streams, mirroring the exclusive-ownership rule of
// the real transport.
func (b *MockBroker) Connection() *MockConnection {
	return &MockConnection{
		broker:  b,
		returns: make(chan Return, 16),
		events:  make(chan Event, 16),
	}
}

// Published returns a copy of all publishes seen so far.
func (b *MockBroker) Published() []MockPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MockPublish, len(b.published))
	copy(out, b.published)
	return out
}

// Acked returns a copy of all acknowledged delivery tags.
func (b *MockBroker) Acked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.acked))
	copy(out, b.acked)
	return out
}

// HasConsumer reports whether a consumer is registered for the queue.
func (b *MockBroker) HasConsumer(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.consumers[queue]
	return ok
}

// Deliver injects a delivery into the consumer of the queue. A zero tag is
// replaced by the next broker tag.
func (b *MockBroker) Deliver(queue string, d Delivery) bool {
	b.mu.Lock()
	ch, ok := b.consumers[queue]
	if ok && d.Tag == 0 {
		b.tag++
		d.Tag = b.tag
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- d
	return true
}

func (b *MockBroker) route(conn *MockConnection, exchange, routingKey string, env codec.Envelope, opts PublishOptions) {
	b.mu.Lock()
	b.published = append(b.published, MockPublish{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Envelope:   env,
		Options:    opts,
	})

	// Only default-exchange routing is modelled: the routing key names the
	// destination queue directly.
	ch, ok := b.consumers[routingKey]
	if exchange != "" {
		ok = false
	}
	var d Delivery
	if ok {
		b.tag++
		d = Delivery{
			Tag:           b.tag,
			CorrelationID: opts.CorrelationID,
			ReplyTo:       opts.ReplyTo,
			Headers:       opts.Headers,
			Envelope:      env,
		}
	}
	b.mu.Unlock()

	if ok {
		ch <- d
		return
	}

	if opts.Mandatory {
		conn.returns <- Return{CorrelationID: opts.CorrelationID, Envelope: env}
	}
}

// MockConnection implements Connection against a MockBroker.
type MockConnection struct {
	broker *MockBroker

	mu         sync.Mutex
	returns    chan Return
	events     chan Event
	publishErr error
}

var _ Connection = (*MockConnection)(nil)

// Connect emits a Connected event to the owner of this connection.
func (c *MockConnection) Connect() { c.events <- EventConnected }

// Disconnect emits a Disconnected event to the owner of this connection.
func (c *MockConnection) Disconnect() { c.events <- EventDisconnected }

// SetPublishError makes every subsequent Publish fail with err.
func (c *MockConnection) SetPublishError(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

func (c *MockConnection) Publish(exchange, routingKey string, env codec.Envelope, opts PublishOptions) error {
	c.mu.Lock()
	err := c.publishErr
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.broker.route(c, exchange, routingKey, env, opts)
	return nil
}

func (c *MockConnection) Consume(queue string) (<-chan Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	ch, ok := c.broker.consumers[queue]
	if !ok {
		ch = make(chan Delivery, 16)
		c.broker.consumers[queue] = ch
	}
	return ch, nil
}

func (c *MockConnection) Ack(tag uint64) error {
	c.broker.mu.Lock()
	c.broker.acked = append(c.broker.acked, tag)
	c.broker.mu.Unlock()
	return nil
}

func (c *MockConnection) DeclareQueue(cfg config.Queue) (string, error) {
	name := ResolveQueueName(cfg)
	if name == "" {
		name = "amq.gen-" + uuid.New().String()
	}
	return name, nil
}

func (c *MockConnection) DeclareExchange(cfg config.Exchange) error { return nil }

func (c *MockConnection) Bind(exchange, queue, routingKey string) error { return nil }

func (c *MockConnection) Returns() <-chan Return { return c.returns }

func (c *MockConnection) Events() <-chan Event { return c.events }
