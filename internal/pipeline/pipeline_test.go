// ABOUTME: Tests for the event pipeline.
// ABOUTME: Covers outcome routing per event class, observers, backend forwarding and response ordering.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []routing.Payload
}

func (r *recordingTransport) Send(_ context.Context, p routing.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, p := range r.sent {
		out = append(out, string(p.Bytes()))
	}
	return out
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []*routing.Request
	err      error
}

func (b *fakeBackend) Enable(context.Context, backend.ResponseFunc) error { return nil }

func (b *fakeBackend) HandleRequest(_ context.Context, r *routing.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r)
	return b.err
}

func newConn() (*routing.Connection, *recordingTransport) {
	tr := &recordingTransport{}
	return routing.NewConnection(tr, nil, nil, "127.0.0.1"), tr
}

func payload(s string) routing.Payload {
	return routing.NewPayload([]byte(s))
}

func TestEmitConnection_AdmitsAndNotifiesObservers(t *testing.T) {
	var observed []string
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := New(Config{
		Observers: []backend.ConnectionObserver{
			backend.ConnectionObserverFunc(func(_ context.Context, c *routing.Connection) {
				observed = append(observed, c.ID())
			}),
		},
		Metrics: m,
		Logger:  testLogger(),
	})

	conn, _ := newConn()
	require.NoError(t, p.EmitConnection(t.Context(), conn))
	assert.Equal(t, []string{conn.ID()}, observed)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(openConnections(1)), "relaygate_connections_open"))

	conn.MarkClosed()
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(openConnections(0)), "relaygate_connections_open"))
}

func openConnections(n int) string {
	return fmt.Sprintf(`
# HELP relaygate_connections_open Admitted connections that have not closed
# TYPE relaygate_connections_open gauge
relaygate_connections_open %d
`, n)
}

func TestEmitConnection_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
		wantErr error
	}{
		{name: "reject", err: plugin.Reject("Invalid Authentication Token"), wantMsg: "Invalid Authentication Token"},
		{name: "drop", err: plugin.ErrDrop, wantErr: frontend.ErrDropped},
		{name: "fail", err: errors.New("db down"), wantMsg: frontend.GenericErrorMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed := false
			p := New(Config{
				Chains: Chains{Connection: []plugin.ConnectionHandler{
					plugin.ConnectionHandlerFunc(func(context.Context, *routing.Connection) (*routing.Connection, error) {
						return nil, tt.err
					}),
				}},
				Observers: []backend.ConnectionObserver{
					backend.ConnectionObserverFunc(func(context.Context, *routing.Connection) { observed = true }),
				},
				Logger: testLogger(),
			})

			conn, _ := newConn()
			err := p.EmitConnection(t.Context(), conn)
			require.Error(t, err)
			assert.False(t, observed)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			var ce *frontend.ClientError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantMsg, ce.Message)
		})
	}
}

func TestEmitRequest_ForwardsToBackend(t *testing.T) {
	be := &fakeBackend{}
	p := New(Config{
		Chains: Chains{Request: []plugin.RequestHandler{
			plugin.RequestHandlerFunc(func(_ context.Context, r *routing.Request) (*routing.Request, error) {
				return r.WithPayload(payload(`{"rewritten":true}`)), nil
			}),
		}},
		Backend: be,
		Logger:  testLogger(),
	})

	conn, _ := newConn()
	req := routing.NewRequest(conn, payload(`{"color":"red"}`))
	require.NoError(t, p.EmitRequest(t.Context(), req))

	require.Len(t, be.requests, 1)
	assert.Equal(t, req.ID, be.requests[0].ID)
	assert.Equal(t, "true", be.requests[0].Payload.String("rewritten"))
}

func TestEmitRequest_RejectKeepsBackendOut(t *testing.T) {
	be := &fakeBackend{}
	p := New(Config{
		Chains: Chains{Request: []plugin.RequestHandler{
			plugin.RequestHandlerFunc(func(context.Context, *routing.Request) (*routing.Request, error) {
				return nil, plugin.Reject("Rate limit hit")
			}),
		}},
		Backend: be,
		Logger:  testLogger(),
	})

	conn, _ := newConn()
	err := p.EmitRequest(t.Context(), routing.NewRequest(conn, payload(`{}`)))

	var ce *frontend.ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Rate limit hit", ce.Message)
	assert.False(t, conn.Closed())
	assert.Empty(t, be.requests)
}

func TestEmitRequest_NoBackend(t *testing.T) {
	p := New(Config{Logger: testLogger()})
	conn, _ := newConn()

	err := p.EmitRequest(t.Context(), routing.NewRequest(conn, payload(`{}`)))
	assert.ErrorIs(t, err, frontend.ErrDropped)
}

func TestEmitRequest_BackendErrorIsInternal(t *testing.T) {
	p := New(Config{Backend: &fakeBackend{err: errors.New("connection refused")}, Logger: testLogger()})
	conn, _ := newConn()

	err := p.EmitRequest(t.Context(), routing.NewRequest(conn, payload(`{}`)))

	var ce *frontend.ClientError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Internal)
	assert.Equal(t, frontend.GenericErrorMessage, ce.Message)
}

func TestEmitRequest_InjectedResponseWaitsForChain(t *testing.T) {
	var p *Pipeline
	var sentDuringChain []string

	conn, tr := newConn()
	p = New(Config{
		Chains: Chains{Request: []plugin.RequestHandler{
			plugin.RequestHandlerFunc(func(ctx context.Context, r *routing.Request) (*routing.Request, error) {
				p.SendResponse(ctx, routing.NewResponse(r.Connection, payload(`"cached"`), r.ID))
				sentDuringChain = tr.payloads()
				return nil, plugin.ErrDrop
			}),
		}},
		Backend: &fakeBackend{},
		Logger:  testLogger(),
	})

	err := p.EmitRequest(t.Context(), routing.NewRequest(conn, payload(`{}`)))
	assert.ErrorIs(t, err, frontend.ErrDropped)
	assert.Empty(t, sentDuringChain)
	assert.Equal(t, []string{`"cached"`}, tr.payloads())
}

func TestSendResponse_OutsideChainGoesStraightThrough(t *testing.T) {
	p := New(Config{Logger: testLogger()})
	conn, tr := newConn()

	p.SendResponse(t.Context(), routing.NewResponse(conn, payload(`"push"`), ""))
	assert.Equal(t, []string{`"push"`}, tr.payloads())
}

func TestEmitResponse(t *testing.T) {
	tests := []struct {
		name     string
		handler  plugin.ResponseHandlerFunc
		wantSent []string
	}{
		{
			name: "continue sends",
			handler: func(context.Context, *routing.Response) (*routing.Response, error) {
				return nil, nil
			},
			wantSent: []string{`{"a":1}`},
		},
		{
			name: "replacement sends replacement",
			handler: func(_ context.Context, r *routing.Response) (*routing.Response, error) {
				return r.WithPayload(payload(`{"a":2}`)), nil
			},
			wantSent: []string{`{"a":2}`},
		},
		{
			name: "reject suppresses",
			handler: func(context.Context, *routing.Response) (*routing.Response, error) {
				return nil, plugin.Reject("nope")
			},
		},
		{
			name: "drop suppresses",
			handler: func(context.Context, *routing.Response) (*routing.Response, error) {
				return nil, plugin.ErrDrop
			},
		},
		{
			name: "panic is logged only",
			handler: func(context.Context, *routing.Response) (*routing.Response, error) {
				panic("bad plugin")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Config{
				Chains: Chains{Response: []plugin.ResponseHandler{tt.handler}},
				Logger: testLogger(),
			})
			conn, tr := newConn()

			assert.NotPanics(t, func() {
				p.EmitResponse(t.Context(), routing.NewResponse(conn, payload(`{"a":1}`), "req-1"))
			})
			if tt.wantSent == nil {
				assert.Empty(t, tr.payloads())
				return
			}
			assert.Equal(t, tt.wantSent, tr.payloads())
		})
	}
}

func TestEmitResponse_ClosedConnection(t *testing.T) {
	p := New(Config{Logger: testLogger()})
	conn, tr := newConn()
	conn.MarkClosed()

	p.EmitResponse(t.Context(), routing.NewResponse(conn, payload(`1`), ""))
	assert.Empty(t, tr.payloads())
}

func TestNew_ChainsAreCopied(t *testing.T) {
	calls := 0
	handlers := []plugin.RequestHandler{
		plugin.RequestHandlerFunc(func(context.Context, *routing.Request) (*routing.Request, error) {
			calls++
			return nil, nil
		}),
	}
	p := New(Config{Chains: Chains{Request: handlers}, Backend: &fakeBackend{}, Logger: testLogger()})

	handlers[0] = plugin.RequestHandlerFunc(func(context.Context, *routing.Request) (*routing.Request, error) {
		return nil, plugin.Reject("late registration")
	})

	conn, _ := newConn()
	require.NoError(t, p.EmitRequest(t.Context(), routing.NewRequest(conn, payload(`{}`))))
	assert.Equal(t, 1, calls)
}
