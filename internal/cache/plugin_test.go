// ABOUTME: Tests for the cache plugin through a real pipeline
// ABOUTME: Checks hits skip the backend, misses populate the store and pending entries clear

package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/pipeline"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []routing.Payload
}

func (t *recordingTransport) Send(_ context.Context, p routing.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, p)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) bodies() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, p := range t.sent {
		out[i] = string(p.Bytes())
	}
	return out
}

// echoBackend answers synchronously and counts calls.
type echoBackend struct {
	calls      int
	onResponse backend.ResponseFunc
}

func (b *echoBackend) Enable(_ context.Context, fn backend.ResponseFunc) error {
	b.onResponse = fn
	return nil
}

func (b *echoBackend) HandleRequest(ctx context.Context, r *routing.Request) error {
	b.calls++
	p, err := routing.NewPayloadValue(map[string]any{"location": r.Payload.String("location"), "call": b.calls})
	if err != nil {
		return err
	}
	b.onResponse(ctx, routing.NewResponse(r.Connection, p, r.ID))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, cp *Plugin, be backend.Backend) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.New(pipeline.Config{
		Chains: pipeline.Chains{
			Request:  []plugin.RequestHandler{cp},
			Response: []plugin.ResponseHandler{cp},
		},
		Backend: be,
		Logger:  testLogger(),
	})
	cp.SetResponseSender(p.SendResponse)
	require.NoError(t, be.Enable(t.Context(), p.EmitResponse))
	return p
}

func TestPlugin_SecondRequestServedFromCache(t *testing.T) {
	store := NewMemoryStore(100, 0)
	cp := New(store, FieldKey("location"), WithLogger(testLogger()))
	defer cp.Close()

	be := &echoBackend{}
	p := newPipeline(t, cp, be)

	tr := &recordingTransport{}
	conn := routing.NewConnection(tr, nil, nil, "127.0.0.1")

	err := p.EmitRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{"location":"/home"}`))))
	require.NoError(t, err)
	assert.Equal(t, 1, be.calls)
	assert.Equal(t, 0, cp.Pending())
	assert.Equal(t, 1, store.Len())

	err = p.EmitRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{"location":"/home"}`))))
	assert.ErrorIs(t, err, frontend.ErrDropped)
	assert.Equal(t, 1, be.calls, "cached request must not reach the backend")

	bodies := tr.bodies()
	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"location":"/home","call":1}`, bodies[0])
	assert.JSONEq(t, bodies[0], bodies[1])
}

// slowBackend answers each request only after a token arrives on release.
type slowBackend struct {
	release    chan struct{}
	entered    chan string
	onResponse backend.ResponseFunc
}

func (b *slowBackend) Enable(_ context.Context, fn backend.ResponseFunc) error {
	b.onResponse = fn
	return nil
}

func (b *slowBackend) HandleRequest(ctx context.Context, r *routing.Request) error {
	b.entered <- r.Payload.String("location")
	<-b.release
	p, err := routing.NewPayloadValue(map[string]any{"location": r.Payload.String("location")})
	if err != nil {
		return err
	}
	b.onResponse(ctx, routing.NewResponse(r.Connection, p, r.ID))
	return nil
}

func TestPlugin_HitDoesNotWaitForBackend(t *testing.T) {
	store := NewMemoryStore(100, 0)
	cp := New(store, FieldKey("location"), WithLogger(testLogger()))
	defer cp.Close()

	be := &slowBackend{release: make(chan struct{}), entered: make(chan string, 4)}
	p := newPipeline(t, cp, be)
	tr := &recordingTransport{}
	conn := routing.NewConnection(tr, nil, nil, "127.0.0.1")

	emit := func(location string) <-chan error {
		done := make(chan error, 1)
		go func() {
			req := routing.NewRequest(conn, routing.NewPayload([]byte(`{"location":"`+location+`"}`)))
			done <- p.EmitRequest(context.Background(), req)
		}()
		return done
	}

	// Populate the cache for /home.
	first := emit("/home")
	assert.Equal(t, "/home", <-be.entered)
	be.release <- struct{}{}
	require.NoError(t, <-first)

	// Hold the backend on another request.
	slow := emit("/slow")
	assert.Equal(t, "/slow", <-be.entered)

	select {
	case err := <-emit("/home"):
		assert.ErrorIs(t, err, frontend.ErrDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("cached request waited on the blocked backend")
	}
	assert.Len(t, tr.bodies(), 2)
	assert.Empty(t, be.entered, "cached request must not reach the backend")

	close(be.release)
	require.NoError(t, <-slow)
	assert.Len(t, tr.bodies(), 3)
}

func TestPlugin_UncacheableRequestsPassThrough(t *testing.T) {
	store := NewMemoryStore(100, 0)
	cp := New(store, FieldKey("location"), WithLogger(testLogger()))
	defer cp.Close()

	be := &echoBackend{}
	p := newPipeline(t, cp, be)
	conn := routing.NewConnection(&recordingTransport{}, nil, nil, "127.0.0.1")

	for range 2 {
		require.NoError(t, p.EmitRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{"other":1}`)))))
	}
	assert.Equal(t, 2, be.calls)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, cp.Pending())
}

func TestPlugin_PushesAreNotCached(t *testing.T) {
	store := NewMemoryStore(100, 0)
	cp := New(store, FieldKey("location"), WithLogger(testLogger()))
	defer cp.Close()

	conn := routing.NewConnection(&recordingTransport{}, nil, nil, "127.0.0.1")
	out, err := cp.HandleResponse(t.Context(), routing.NewResponse(conn, routing.NewPayload([]byte(`{}`)), ""))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, store.Len())
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("store down")
}

func TestPlugin_StoreErrorsAreMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cp := New(failingStore{}, FieldKey("location"), WithMetrics(m), WithLogger(testLogger()))
	defer cp.Close()

	be := &echoBackend{}
	p := newPipeline(t, cp, be)
	conn := routing.NewConnection(&recordingTransport{}, nil, nil, "127.0.0.1")

	require.NoError(t, p.EmitRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{"location":"/a"}`)))))
	assert.Equal(t, 1, be.calls)
	assert.Equal(t, 0, cp.Pending())
	n, err := testutil.GatherAndCount(reg, "relaygate_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlugin_HitWithoutSenderFails(t *testing.T) {
	store := NewMemoryStore(100, 0)
	require.NoError(t, store.Set(t.Context(), "/a", []byte(`{}`)))
	cp := New(store, FieldKey("location"), WithLogger(testLogger()))
	defer cp.Close()

	conn := routing.NewConnection(&recordingTransport{}, nil, nil, "127.0.0.1")
	_, err := cp.HandleRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{"location":"/a"}`))))
	require.Error(t, err)
	assert.NotErrorIs(t, err, plugin.ErrDrop)
}
