// Package server adapts a pluggable processing capability into broker
// replies: it consumes inbound requests, dispatches them to a Handler and
// publishes the result (or a typed failure reply) to the request's reply
// address.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nsyszr/amqprpc/pkg/broker"
	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
	"github.com/nsyszr/amqprpc/pkg/stats"
)

// Result is the outcome of processing one delivery. A nil Body suppresses
// the reply entirely, even when the request carries a reply address.
type Result struct {
	Body            []byte
	ContentEncoding string
	ContentType     string
}

// Handler is the processing capability plugged into a Server. OnFailure
// converts a processing error into the failure reply published back to the
// requester.
type Handler interface {
	Process(ctx context.Context, d broker.Delivery) (Result, error)
	OnFailure(d broker.Delivery, err error) Result
}

// HandlerFunc adapts a plain function into a Handler with the default
// failure conversion.
type HandlerFunc func(ctx context.Context, d broker.Delivery) (Result, error)

func (f HandlerFunc) Process(ctx context.Context, d broker.Delivery) (Result, error) {
	return f(ctx, d)
}

func (f HandlerFunc) OnFailure(d broker.Delivery, err error) Result {
	return FailureResult(err)
}

// FailureResult builds the standard failure reply body for err.
func FailureResult(err error) Result {
	failure := broker.RemoteFailure{Message: err.Error()}
	if cause := pkgerrors.Cause(err); cause != nil && cause != err {
		failure.Cause = cause.Error()
	}

	body, merr := json.Marshal(failure)
	if merr != nil {
		body = []byte(fmt.Sprintf(`{"message":%q}`, err.Error()))
	}

	return Result{
		Body:            body,
		ContentEncoding: "json",
		ContentType:     fmt.Sprintf("%T", failure),
	}
}

// Config holds the server topology: the exchange/queue/binding the requests
// arrive on.
type Config struct {
	Endpoint config.Endpoint
	Stats    *stats.Collector
}

// Server owns one broker connection exclusively and feeds its deliveries to
// the handler. It is inactive until the connection reports Connected.
type Server struct {
	conn    broker.Connection
	handler Handler
	cfg     Config
	logger  *log.Entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a server adapter and starts its consume loop.
func New(conn broker.Connection, handler Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:    conn,
		handler: handler,
		cfg:     cfg,
		logger:  log.WithFields(log.Fields{"component": "server"}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.run()
	return s
}

// Close stops the consume loop and cancels in-flight handler contexts.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) run() {
	var deliveries <-chan broker.Delivery
	events := s.conn.Events()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			// Acknowledge before processing. A crash mid-processing
			// causes redelivery and duplicate side effects; processing
			// is at-least-once.
			if err := s.conn.Ack(d.Tag); err != nil {
				s.logger.Error("Failed to ack delivery: ", err)
			}
			go s.dispatch(d)

		case ev := <-events:
			switch ev {
			case broker.EventConnected:
				ch, err := s.setupTopology()
				if err != nil {
					s.logger.Error("Failed to set up request topology: ", err)
					continue
				}
				deliveries = ch
				s.logger.Info("Server adapter connected")

			case broker.EventDisconnected:
				deliveries = nil
				s.logger.Info("Server adapter disconnected")
			}

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) setupTopology() (<-chan broker.Delivery, error) {
	ep := s.cfg.Endpoint

	if ep.Exchange.Name != "" {
		if err := s.conn.DeclareExchange(ep.Exchange); err != nil {
			return nil, err
		}
	}

	queue, err := s.conn.DeclareQueue(ep.Queue)
	if err != nil {
		return nil, err
	}

	if ep.Exchange.Name != "" {
		if err := s.conn.Bind(ep.Exchange.Name, queue, ep.RoutingKey); err != nil {
			return nil, err
		}
	}

	return s.conn.Consume(queue)
}

func (s *Server) dispatch(d broker.Delivery) {
	res, err := s.handler.Process(s.ctx, d)

	failed := err != nil
	if failed {
		s.logger.WithFields(log.Fields{"correlationID": d.CorrelationID}).
			Warn("Processing failed: ", err)
		res = s.handler.OnFailure(d, err)
		s.cfg.Stats.Failed()
	} else {
		s.cfg.Stats.Processed()
	}

	// A nil body means fire-and-forget, and without a reply address there
	// is nowhere to publish to.
	if res.Body == nil || d.ReplyTo == "" {
		return
	}

	env := codec.Envelope{
		Body:            res.Body,
		ContentEncoding: res.ContentEncoding,
		ContentType:     res.ContentType,
	}
	opts := broker.PublishOptions{CorrelationID: d.CorrelationID}
	if failed {
		opts.Headers = map[string]interface{}{broker.FailureHeader: true}
	}

	if err := s.conn.Publish("", d.ReplyTo, env, opts); err != nil {
		s.logger.WithFields(log.Fields{"correlationID": d.CorrelationID, "replyTo": d.ReplyTo}).
			Error("Failed to publish reply: ", err)
	}
}
