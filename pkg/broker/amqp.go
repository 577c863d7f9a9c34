package broker

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
)

// Channel implements Connection on top of a streadway AMQP channel. It maps
// deliveries, returns and channel closure into the local types. It never
// reconnects on its own; after a Disconnected event the owner has to be
// rebuilt on a fresh connection.
type Channel struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan Return
	events  chan Event
}

var _ Connection = (*Channel)(nil)

// NewChannel opens a channel on the given connection and applies the QoS
// settings. A Connected event is emitted immediately since the dial already
// succeeded.
func NewChannel(conn *amqp.Connection, cfg config.Channel) (*Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}

	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(
			cfg.PrefetchCount,  // prefetch count
			0,                  // prefetch size
			cfg.PrefetchGlobal, // global
		); err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "failed to set QoS")
		}
	}

	c := &Channel{
		conn:    conn,
		ch:      ch,
		returns: make(chan Return, 16),
		events:  make(chan Event, 4),
	}

	c.events <- EventConnected

	go c.forwardReturns(ch.NotifyReturn(make(chan amqp.Return, 16)))
	go c.forwardClose(ch.NotifyClose(make(chan *amqp.Error, 1)))

	return c, nil
}

// Close shuts down the underlying channel.
func (c *Channel) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
}

func (c *Channel) forwardReturns(in <-chan amqp.Return) {
	for ret := range in {
		c.returns <- Return{
			CorrelationID: ret.CorrelationId,
			Envelope: codec.Envelope{
				Body:            ret.Body,
				ContentEncoding: ret.ContentEncoding,
				ContentType:     ret.ContentType,
			},
		}
	}
}

func (c *Channel) forwardClose(in <-chan *amqp.Error) {
	if err, ok := <-in; ok && err != nil {
		log.WithFields(log.Fields{"code": err.Code, "reason": err.Reason}).
			Warn("AMQP channel closed")
	}
	c.events <- EventDisconnected
}

// Publish sends one envelope. The envelope metadata travels as the AMQP
// content-encoding and content-type properties.
func (c *Channel) Publish(exchange, routingKey string, env codec.Envelope, opts PublishOptions) error {
	return c.ch.Publish(
		exchange,       // exchange
		routingKey,     // routing key
		opts.Mandatory, // mandatory
		opts.Immediate, // immediate
		amqp.Publishing{
			ContentEncoding: env.ContentEncoding,
			ContentType:     env.ContentType,
			CorrelationId:   opts.CorrelationID,
			ReplyTo:         opts.ReplyTo,
			Headers:         amqp.Table(opts.Headers),
			Body:            env.Body,
		})
}

// Consume starts a manual-acknowledgement consumer on the queue.
func (c *Channel) Consume(queue string) (<-chan Delivery, error) {
	msgs, err := c.ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to consume queue %q", queue)
	}

	out := make(chan Delivery, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			out <- Delivery{
				Tag:           msg.DeliveryTag,
				CorrelationID: msg.CorrelationId,
				ReplyTo:       msg.ReplyTo,
				Headers:       map[string]interface{}(msg.Headers),
				Envelope: codec.Envelope{
					Body:            msg.Body,
					ContentEncoding: msg.ContentEncoding,
					ContentType:     msg.ContentType,
				},
			}
		}
	}()

	return out, nil
}

// Ack acknowledges a single delivery.
func (c *Channel) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

// DeclareQueue declares the queue and returns the broker-resolved name. An
// empty name yields a broker-assigned exclusive queue, the usual choice for a
// private reply destination.
func (c *Channel) DeclareQueue(cfg config.Queue) (string, error) {
	name := ResolveQueueName(cfg)
	exclusive := cfg.Name == ""

	var q amqp.Queue
	var err error
	if cfg.Passive {
		q, err = c.ch.QueueDeclarePassive(
			name,           // name
			cfg.Durable,    // durable
			cfg.AutoDelete, // delete when unused
			exclusive,      // exclusive
			false,          // no-wait
			nil,            // arguments
		)
	} else {
		q, err = c.ch.QueueDeclare(
			name,           // name
			cfg.Durable,    // durable
			cfg.AutoDelete, // delete when unused
			exclusive,      // exclusive
			false,          // no-wait
			nil,            // arguments
		)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to declare queue %q", name)
	}

	return q.Name, nil
}

// DeclareExchange declares the exchange.
func (c *Channel) DeclareExchange(cfg config.Exchange) error {
	declare := c.ch.ExchangeDeclare
	if cfg.Passive {
		declare = c.ch.ExchangeDeclarePassive
	}

	if err := declare(
		cfg.Name,       // name
		cfg.Type,       // type
		cfg.Durable,    // durable
		cfg.AutoDelete, // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %q", cfg.Name)
	}

	return nil
}

// Bind binds a queue to an exchange.
func (c *Channel) Bind(exchange, queue, routingKey string) error {
	if err := c.ch.QueueBind(
		queue,      // queue
		routingKey, // routing key
		exchange,   // exchange
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		return errors.Wrapf(err, "failed to bind queue %q to exchange %q", queue, exchange)
	}

	return nil
}

// Returns delivers unroutable-message notices from the broker.
func (c *Channel) Returns() <-chan Return { return c.returns }

// Events delivers connectivity transitions.
func (c *Channel) Events() <-chan Event { return c.events }

// ResolveQueueName applies the randomize rule: a fresh unique suffix on every
// resolution, so the resolved name is ephemeral.
func ResolveQueueName(cfg config.Queue) string {
	if cfg.Randomize && cfg.Name != "" {
		return fmt.Sprintf("%s-%s", cfg.Name, uuid.New().String())
	}
	return cfg.Name
}
