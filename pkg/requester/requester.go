// Package requester turns the fire-and-forget broker transport into
// request/response semantics: it allocates correlation ids, keeps the pending
// requests in a correlation table, aggregates multi-reply responses and
// resolves exactly one outcome per request.
package requester

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nsyszr/amqprpc/pkg/broker"
	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
	"github.com/nsyszr/amqprpc/pkg/stats"
)

// ErrNotConnected rejects a send while the transport is disconnected. Nothing
// is published.
var ErrNotConnected = errors.New("ERR_NOT_CONNECTED")

// ErrClosed rejects a send after Close.
var ErrClosed = errors.New("ERR_CLOSED")

// RemoteProcessingError is a typed failure decoded from a server-side failure
// reply.
type RemoteProcessingError struct {
	Message string
	Cause   string
}

func (e *RemoteProcessingError) Error() string {
	return fmt.Sprintf("remote processing failed: %s", e.Message)
}

// Outcome is the single resolution of one request. Exactly one of the three
// shapes is set: Replies for an aggregated response, Undelivered (with the
// returned envelope) when the broker could not route the request, or Err for
// a remote processing failure.
type Outcome struct {
	Replies     []broker.Delivery
	Undelivered bool
	Returned    codec.Envelope
	Err         error
}

// Config holds the requester topology. Endpoint names the request
// destination; ReplyQueue names the reply destination, where an empty name
// requests a fresh broker-assigned private queue on every connect.
type Config struct {
	Endpoint   config.Endpoint
	ReplyQueue config.Queue
	Stats      *stats.Collector
}

type pending struct {
	expected  int
	received  []broker.Delivery
	outcomeCh chan Outcome
}

type sendRequest struct {
	envelopes []codec.Envelope
	expected  int
	respCh    chan sendResult
}

type sendResult struct {
	outcomeCh <-chan Outcome
	err       error
}

// Requester owns one broker connection exclusively. All mutable state (the
// correlation table, the connection state and the id counter) is confined to
// a single owner goroutine, so no locking is needed.
type Requester struct {
	conn    broker.Connection
	reg     *codec.Registry
	cfg     Config
	logger  *log.Entry
	sendCh  chan *sendRequest
	closeCh chan struct{}
}

// New creates a requester and starts its owner goroutine. The requester stays
// gated until the connection reports its first Connected event.
func New(conn broker.Connection, reg *codec.Registry, cfg Config) *Requester {
	r := &Requester{
		conn:    conn,
		reg:     reg,
		cfg:     cfg,
		logger:  log.WithFields(log.Fields{"component": "requester"}),
		sendCh:  make(chan *sendRequest),
		closeCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the owner goroutine. Pending requests are abandoned.
func (r *Requester) Close() {
	close(r.closeCh)
}

// Send publishes the envelopes as one request and returns a handle that
// resolves with exactly one Outcome. With expected == 0 the handle is already
// resolved with an empty outcome and no correlation state is kept. With
// expected >= 1 the handle resolves once the expected number of replies
// arrived, or earlier on an undelivered notice or a remote failure.
//
// There is no internal timeout: a handle orphaned by a disconnect is never
// resolved. Callers bound the wait with their own context or timer.
func (r *Requester) Send(ctx context.Context, envelopes []codec.Envelope, expected int) (<-chan Outcome, error) {
	if expected < 0 {
		return nil, fmt.Errorf("expected reply count must not be negative: %d", expected)
	}

	select {
	case <-r.closeCh:
		return nil, ErrClosed
	default:
	}

	req := &sendRequest{
		envelopes: envelopes,
		expected:  expected,
		respCh:    make(chan sendResult, 1),
	}

	select {
	case r.sendCh <- req:
	case <-r.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.respCh:
		return res.outcomeCh, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the owner loop. It is the only goroutine that touches the
// correlation table, the state and the counter.
func (r *Requester) run() {
	state := stateDisconnected
	table := make(map[string]*pending)
	var nextID uint64
	var deliveries <-chan broker.Delivery
	replyQueue := ""

	returns := r.conn.Returns()
	events := r.conn.Events()

	for {
		select {
		case req := <-r.sendCh:
			nextID = r.handleSend(req, state, table, nextID, replyQueue)

		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			r.handleDelivery(d, table)

		case ret := <-returns:
			r.handleReturn(ret, table)

		case ev := <-events:
			switch ev {
			case broker.EventConnected:
				// All pending requests are dropped without resolving
				// their handles; their callers' own timeouts apply.
				clearTable(table)
				name, ch, err := r.setupReplyQueue()
				if err != nil {
					r.logger.Error("Failed to establish reply destination: ", err)
					continue
				}
				replyQueue = name
				deliveries = ch
				state = stateConnected
				r.logger.WithFields(log.Fields{"replyQueue": replyQueue}).
					Info("Requester connected")

			case broker.EventDisconnected:
				clearTable(table)
				deliveries = nil
				state = stateDisconnected
				r.logger.Info("Requester disconnected")
			}

		case <-r.closeCh:
			return
		}
	}
}

func (r *Requester) setupReplyQueue() (string, <-chan broker.Delivery, error) {
	name, err := r.conn.DeclareQueue(r.cfg.ReplyQueue)
	if err != nil {
		return "", nil, err
	}

	ch, err := r.conn.Consume(name)
	if err != nil {
		return "", nil, err
	}

	return name, ch, nil
}

func (r *Requester) handleSend(req *sendRequest, state connState, table map[string]*pending, nextID uint64, replyQueue string) uint64 {
	if state != stateConnected {
		req.respCh <- sendResult{err: ErrNotConnected}
		return nextID
	}

	if req.expected == 0 {
		for _, env := range req.envelopes {
			if err := r.publish(env, broker.PublishOptions{}); err != nil {
				req.respCh <- sendResult{err: err}
				return nextID
			}
		}
		// Fire-and-forget: resolve immediately, keep no table entry.
		outcomeCh := make(chan Outcome, 1)
		outcomeCh <- Outcome{}
		req.respCh <- sendResult{outcomeCh: outcomeCh}
		r.cfg.Stats.RequestSent()
		return nextID
	}

	nextID++
	id := strconv.FormatUint(nextID, 10)

	p := &pending{
		expected:  req.expected,
		outcomeCh: make(chan Outcome, 1),
	}
	table[id] = p

	opts := broker.PublishOptions{
		CorrelationID: id,
		ReplyTo:       replyQueue,
		Mandatory:     true,
	}
	for _, env := range req.envelopes {
		if err := r.publish(env, opts); err != nil {
			delete(table, id)
			req.respCh <- sendResult{err: err}
			return nextID
		}
	}

	req.respCh <- sendResult{outcomeCh: p.outcomeCh}
	r.cfg.Stats.RequestSent()
	return nextID
}

func (r *Requester) publish(env codec.Envelope, opts broker.PublishOptions) error {
	err := r.conn.Publish(r.cfg.Endpoint.Exchange.Name, r.cfg.Endpoint.RoutingKey, env, opts)
	return pkgerrors.Wrap(err, "failed to publish request")
}

func (r *Requester) handleDelivery(d broker.Delivery, table map[string]*pending) {
	// Acknowledge right away, matched or not, to keep unmatched and late
	// replies from piling up for redelivery.
	if err := r.conn.Ack(d.Tag); err != nil {
		r.logger.Error("Failed to ack delivery: ", err)
	}

	p, ok := table[d.CorrelationID]
	if !ok {
		// Unknown, already resolved or expired. Never fatal.
		r.logger.WithFields(log.Fields{"correlationID": d.CorrelationID}).
			Debug("Dropping delivery without pending request")
		r.cfg.Stats.ReplyDropped()
		return
	}

	if d.IsFailure() {
		delete(table, d.CorrelationID)
		p.outcomeCh <- Outcome{Err: r.decodeRemoteFailure(d.Envelope)}
		r.cfg.Stats.ReplyMatched()
		return
	}

	p.received = append(p.received, d)
	r.cfg.Stats.ReplyMatched()
	if len(p.received) == p.expected {
		delete(table, d.CorrelationID)
		p.outcomeCh <- Outcome{Replies: p.received}
	}
}

func (r *Requester) handleReturn(ret broker.Return, table map[string]*pending) {
	p, ok := table[ret.CorrelationID]
	if !ok {
		r.logger.WithFields(log.Fields{"correlationID": ret.CorrelationID}).
			Debug("Dropping return without pending request")
		return
	}

	delete(table, ret.CorrelationID)
	p.outcomeCh <- Outcome{Undelivered: true, Returned: ret.Envelope}
	r.cfg.Stats.ReturnReceived()
}

func (r *Requester) decodeRemoteFailure(env codec.Envelope) *RemoteProcessingError {
	var failure broker.RemoteFailure
	if _, err := codec.Deserialize(env, r.reg, &failure); err != nil {
		return &RemoteProcessingError{Message: string(env.Body)}
	}
	return &RemoteProcessingError{Message: failure.Message, Cause: failure.Cause}
}

func clearTable(table map[string]*pending) {
	for id := range table {
		delete(table, id)
	}
}
