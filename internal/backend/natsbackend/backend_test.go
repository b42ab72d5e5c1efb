// ABOUTME: Tests for the NATS backend using an in-memory fake connection.
// ABOUTME: Covers stamping, subscriptions, reply routing, user pushes and pruning.

package natsbackend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygate/internal/backend/correlation"
	"github.com/2389/relaygate/internal/routing"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]nats.MsgHandler
	publishErr error
	drained    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{subject: subj, data: data})
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeConn) deliver(subj, data string) {
	f.mu.Lock()
	h := f.handlers[subj]
	f.mu.Unlock()
	h(&nats.Msg{Subject: subj, Data: []byte(data)})
}

type nopTransport struct{}

func (nopTransport) Send(context.Context, routing.Payload) error { return nil }
func (nopTransport) Close() error                                  { return nil }

func newConn(userID string) *routing.Connection {
	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	c.SetUserID(userID)
	return c
}

type collector struct {
	mu    sync.Mutex
	resps []*routing.Response
}

func (c *collector) onResponse(_ context.Context, r *routing.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resps = append(c.resps, r)
}

func setup(t *testing.T) (*Backend, *fakeConn, *collector) {
	t.Helper()
	conn := newFakeConn()
	b := New(conn, Config{RequestSubject: "relay.requests", ReplyPrefix: "relay.replies", InstanceID: "gw-1"},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	col := &collector{}
	require.NoError(t, b.Enable(t.Context(), col.onResponse))
	return b, conn, col
}

func TestEnable_SubscribesReplySubjects(t *testing.T) {
	_, conn, _ := setup(t)

	assert.Contains(t, conn.handlers, "relay.replies.all")
	assert.Contains(t, conn.handlers, "relay.replies.gw-1")
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	b := New(newFakeConn(), Config{ReplyPrefix: "r"})
	assert.NotEmpty(t, b.InstanceID())
}

func TestHandleRequest_PublishesStampedRequest(t *testing.T) {
	b, conn, _ := setup(t)
	c := newConn("1")
	req := routing.NewRequest(c, routing.NewPayload([]byte(`{"method":"getColor"}`)))

	require.NoError(t, b.HandleRequest(t.Context(), req))

	require.Len(t, conn.published, 1)
	assert.Equal(t, "relay.requests", conn.published[0].subject)
	p := routing.NewPayload(conn.published[0].data)
	assert.Equal(t, "getColor", p.String("method"))
	assert.Equal(t, req.ID, p.String(correlation.FieldRequestID))
	assert.Equal(t, c.ID(), p.String(correlation.FieldConnectionID))
	assert.Equal(t, "gw-1", p.String(correlation.FieldInstance))
}

func TestHandleRequest_PublishError(t *testing.T) {
	b, conn, _ := setup(t)
	conn.publishErr = errors.New("nats: connection closed")

	err := b.HandleRequest(t.Context(), routing.NewRequest(newConn(""), routing.NewPayload([]byte(`{}`))))
	assert.Error(t, err)
}

func TestReply_RoutedToConnection(t *testing.T) {
	b, conn, col := setup(t)
	c := newConn("1")
	b.HandleConnection(t.Context(), c)

	conn.deliver("relay.replies.gw-1", `{"_relay_connection_id":"`+c.ID()+`","_relay_request_id":"r-9","color":"red"}`)

	require.Len(t, col.resps, 1)
	assert.Same(t, c, col.resps[0].Connection)
	assert.Equal(t, "r-9", col.resps[0].RequestID)
	assert.JSONEq(t, `{"color":"red"}`, string(col.resps[0].Payload.Bytes()))
}

func TestReply_BroadcastToUser(t *testing.T) {
	b, conn, col := setup(t)
	mine1, mine2, other := newConn("1"), newConn("1"), newConn("2")
	for _, c := range []*routing.Connection{mine1, mine2, other} {
		b.HandleConnection(t.Context(), c)
	}

	conn.deliver("relay.replies.all", `{"_relay_user_id":"1","note":"hello"}`)

	require.Len(t, col.resps, 2)
	for _, r := range col.resps {
		assert.True(t, r.IsPush())
		assert.Equal(t, "1", r.Connection.UserID())
	}
}

func TestReply_DiscardsUnknownAndMalformed(t *testing.T) {
	b, conn, col := setup(t)
	c := newConn("1")
	b.HandleConnection(t.Context(), c)
	c.MarkClosed()

	conn.deliver("relay.replies.gw-1", `{"_relay_connection_id":"`+c.ID()+`","_relay_request_id":"r-1"}`)
	conn.deliver("relay.replies.gw-1", `garbage`)

	assert.Empty(t, col.resps)
}

func TestClose_Drains(t *testing.T) {
	b, conn, _ := setup(t)
	require.NoError(t, b.Close())
	assert.True(t, conn.drained)
}
