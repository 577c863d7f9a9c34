package requester

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsyszr/amqprpc/pkg/broker"
	"github.com/nsyszr/amqprpc/pkg/codec"
	"github.com/nsyszr/amqprpc/pkg/config"
	"github.com/nsyszr/amqprpc/pkg/server"
)

func testConfig() Config {
	return Config{
		Endpoint:   config.Endpoint{RoutingKey: "requests"},
		ReplyQueue: config.Queue{Name: "replies"},
	}
}

// newConnectedRequester creates a requester on a fresh connection to b and
// waits until its reply consumer is up.
func newConnectedRequester(t *testing.T, b *broker.MockBroker) (*Requester, *broker.MockConnection) {
	t.Helper()

	conn := b.Connection()
	r := New(conn, codec.DefaultRegistry(), testConfig())
	conn.Connect()

	require.Eventually(t, func() bool { return b.HasConsumer("replies") },
		2*time.Second, 10*time.Millisecond, "reply consumer never started")

	return r, conn
}

// sinkQueue registers a consumer so mandatory publishes to the queue are not
// returned as unroutable.
func sinkQueue(t *testing.T, b *broker.MockBroker, queue string) {
	t.Helper()
	_, err := b.Connection().Consume(queue)
	require.NoError(t, err)
}

func send(t *testing.T, r *Requester, expected int, envelopes ...codec.Envelope) <-chan Outcome {
	t.Helper()

	if len(envelopes) == 0 {
		env, err := codec.Serialize(1, codec.JSONSerializer{})
		require.NoError(t, err)
		envelopes = []codec.Envelope{env}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ch, err := r.Send(context.Background(), envelopes, expected)
		if err == nil {
			return ch
		}
		if err != ErrNotConnected || time.Now().After(deadline) {
			t.Fatalf("send failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func assertNoOutcome(t *testing.T, ch <-chan Outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected outcome: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

func lastCorrelationID(t *testing.T, b *broker.MockBroker) string {
	t.Helper()
	published := b.Published()
	require.NotEmpty(t, published)
	return published[len(published)-1].Options.CorrelationID
}

func TestSendWhileDisconnected(t *testing.T) {
	b := broker.NewMockBroker()
	r := New(b.Connection(), codec.DefaultRegistry(), testConfig())
	defer r.Close()

	_, err := r.Send(context.Background(), nil, 1)
	assert.Equal(t, ErrNotConnected, err)
	assert.Empty(t, b.Published(), "nothing must be published while disconnected")
}

func TestSendAfterClose(t *testing.T) {
	b := broker.NewMockBroker()
	r := New(b.Connection(), codec.DefaultRegistry(), testConfig())
	r.Close()

	_, err := r.Send(context.Background(), nil, 1)
	assert.Equal(t, ErrClosed, err)
}

func TestSendRejectsNegativeExpected(t *testing.T) {
	b := broker.NewMockBroker()
	r := New(b.Connection(), codec.DefaultRegistry(), testConfig())
	defer r.Close()

	_, err := r.Send(context.Background(), nil, -1)
	assert.Error(t, err)
}

func TestFireAndForget(t *testing.T) {
	b := broker.NewMockBroker()
	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 0)

	outcome := waitOutcome(t, ch)
	assert.Empty(t, outcome.Replies)
	assert.False(t, outcome.Undelivered)
	assert.NoError(t, outcome.Err)

	published := b.Published()
	require.Len(t, published, 1)
	assert.Empty(t, published[0].Options.CorrelationID, "no correlation state for expected=0")
	assert.Empty(t, published[0].Options.ReplyTo)
}

func TestRequestResponseWithProcessor(t *testing.T) {
	b := broker.NewMockBroker()

	// A processor that doubles an integer input.
	registry := codec.DefaultRegistry()
	handler := server.HandlerFunc(func(ctx context.Context, d broker.Delivery) (server.Result, error) {
		var n int
		if _, err := codec.Deserialize(d.Envelope, registry, &n); err != nil {
			return server.Result{}, err
		}
		env, err := codec.Serialize(n*2, codec.JSONSerializer{})
		if err != nil {
			return server.Result{}, err
		}
		return server.Result{Body: env.Body, ContentEncoding: env.ContentEncoding, ContentType: env.ContentType}, nil
	})

	serverConn := b.Connection()
	srv := server.New(serverConn, handler, server.Config{
		Endpoint: config.Endpoint{Queue: config.Queue{Name: "requests"}},
	})
	defer srv.Close()
	serverConn.Connect()
	require.Eventually(t, func() bool { return b.HasConsumer("requests") },
		2*time.Second, 10*time.Millisecond)

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	env, err := codec.Serialize(21, codec.JSONSerializer{})
	require.NoError(t, err)
	ch := send(t, r, 1, env)

	outcome := waitOutcome(t, ch)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Replies, 1)

	var result int
	_, err = codec.Deserialize(outcome.Replies[0].Envelope, registry, &result)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestAggregatesExpectedReplies(t *testing.T) {
	b := broker.NewMockBroker()
	sinkQueue(t, b, "requests")

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 2)
	corrID := lastCorrelationID(t, b)

	first := codec.Envelope{Body: []byte(`"first"`), ContentEncoding: "json"}
	second := codec.Envelope{Body: []byte(`"second"`), ContentEncoding: "json"}

	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: first}))
	assertNoOutcome(t, ch)

	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: second}))

	outcome := waitOutcome(t, ch)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Replies, 2)
	// Aggregation order is arrival order.
	assert.Equal(t, first, outcome.Replies[0].Envelope)
	assert.Equal(t, second, outcome.Replies[1].Envelope)
}

func TestUnknownCorrelationIDDropped(t *testing.T) {
	b := broker.NewMockBroker()
	sinkQueue(t, b, "requests")

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 1)
	corrID := lastCorrelationID(t, b)

	reply := codec.Envelope{Body: []byte("1"), ContentEncoding: "json"}
	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: "no-such-id", Envelope: reply}))
	assertNoOutcome(t, ch)

	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: reply}))
	outcome := waitOutcome(t, ch)
	require.Len(t, outcome.Replies, 1)

	// Both deliveries were acknowledged, matched or not.
	require.Eventually(t, func() bool { return len(b.Acked()) == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestLateDeliveryAfterResolutionDropped(t *testing.T) {
	b := broker.NewMockBroker()
	sinkQueue(t, b, "requests")

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 1)
	corrID := lastCorrelationID(t, b)

	reply := codec.Envelope{Body: []byte("1"), ContentEncoding: "json"}
	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: reply}))
	waitOutcome(t, ch)

	// A duplicate for the already-resolved id is dropped; the handle never
	// resolves twice.
	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: reply}))
	assertNoOutcome(t, ch)
}

func TestUndelivered(t *testing.T) {
	b := broker.NewMockBroker()
	// No consumer on the request queue: the mandatory publish comes back.

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	env, err := codec.Serialize(5, codec.JSONSerializer{})
	require.NoError(t, err)
	ch := send(t, r, 1, env)

	outcome := waitOutcome(t, ch)
	assert.True(t, outcome.Undelivered)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, env.Body, outcome.Returned.Body, "undelivered carries the original payload")
}

func TestRemoteProcessingFailure(t *testing.T) {
	b := broker.NewMockBroker()

	handler := server.HandlerFunc(func(ctx context.Context, d broker.Delivery) (server.Result, error) {
		return server.Result{}, errors.New("boom")
	})

	serverConn := b.Connection()
	srv := server.New(serverConn, handler, server.Config{
		Endpoint: config.Endpoint{Queue: config.Queue{Name: "requests"}},
	})
	defer srv.Close()
	serverConn.Connect()
	require.Eventually(t, func() bool { return b.HasConsumer("requests") },
		2*time.Second, 10*time.Millisecond)

	r, _ := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 1)

	outcome := waitOutcome(t, ch)
	require.Error(t, outcome.Err)

	rerr, ok := outcome.Err.(*RemoteProcessingError)
	require.True(t, ok, "expected *RemoteProcessingError, got %T", outcome.Err)
	assert.Equal(t, "boom", rerr.Message)
}

func TestDisconnectClearsPendingRequests(t *testing.T) {
	b := broker.NewMockBroker()
	sinkQueue(t, b, "requests")

	r, conn := newConnectedRequester(t, b)
	defer r.Close()

	ch := send(t, r, 1)
	corrID := lastCorrelationID(t, b)
	assert.Equal(t, "1", corrID)

	conn.Disconnect()
	require.Eventually(t, func() bool {
		_, err := r.Send(context.Background(), nil, 1)
		return err == ErrNotConnected
	}, 2*time.Second, 10*time.Millisecond)

	conn.Connect()
	ch2 := send(t, r, 1)
	corrID2 := lastCorrelationID(t, b)

	// The table was cleared but the counter continues: ids are never reused.
	assert.NotEqual(t, corrID, corrID2)

	// The orphaned handle is never resolved, not even by a late match.
	reply := codec.Envelope{Body: []byte("1"), ContentEncoding: "json"}
	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: reply}))
	assertNoOutcome(t, ch)

	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID2, Envelope: reply}))
	outcome := waitOutcome(t, ch2)
	require.Len(t, outcome.Replies, 1)
}

func TestPublishFailureRemovesEntry(t *testing.T) {
	b := broker.NewMockBroker()
	sinkQueue(t, b, "requests")

	r, conn := newConnectedRequester(t, b)
	defer r.Close()

	// Make sure the requester is connected before poisoning publishes.
	waitOutcome(t, send(t, r, 0))

	conn.SetPublishError(errors.New("channel gone"))
	_, err := r.Send(context.Background(), []codec.Envelope{{Body: []byte("1")}}, 1)
	require.Error(t, err)
	assert.NotEqual(t, ErrNotConnected, err)

	// The failed request left no orphan: a delivery for its id is dropped
	// without resolving anything.
	conn.SetPublishError(nil)
	ch := send(t, r, 1)
	corrID := lastCorrelationID(t, b)

	reply := codec.Envelope{Body: []byte("1"), ContentEncoding: "json"}
	require.True(t, b.Deliver("replies", broker.Delivery{CorrelationID: corrID, Envelope: reply}))
	outcome := waitOutcome(t, ch)
	require.Len(t, outcome.Replies, 1)
}

func TestSendContextCancelled(t *testing.T) {
	b := broker.NewMockBroker()
	r := New(b.Connection(), codec.DefaultRegistry(), testConfig())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The owner loop is alive but the caller gave up already.
	_, err := r.Send(ctx, nil, 1)
	assert.Error(t, err)
}
