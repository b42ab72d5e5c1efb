// ABOUTME: Tests for the HTTP backend.
// ABOUTME: Uses httptest servers to verify the default body, custom builders and error statuses.

package httpbackend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygate/internal/routing"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, routing.Payload) error { return nil }
func (nopTransport) Close() error                                  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRequest(userID, body string) *routing.Request {
	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	c.SetUserID(userID)
	return routing.NewRequest(c, routing.NewPayload([]byte(body)))
}

func TestHandleRequest_PostsUserAndData(t *testing.T) {
	var got map[string]any
	var gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotRequestID = r.Header.Get("X-Request-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	b := New(srv.URL, WithLogger(testLogger()))
	var responses []*routing.Response
	require.NoError(t, b.Enable(t.Context(), func(_ context.Context, r *routing.Response) {
		responses = append(responses, r)
	}))

	req := newRequest("1", `{"color":"green"}`)
	require.NoError(t, b.HandleRequest(t.Context(), req))

	assert.Equal(t, "1", got["user"])
	assert.Equal(t, map[string]any{"color": "green"}, got["data"])
	assert.Equal(t, req.ID, gotRequestID)

	require.Len(t, responses, 1)
	assert.Equal(t, req.ID, responses[0].RequestID)
	assert.Same(t, req.Connection, responses[0].Connection)
	assert.Equal(t, "true", responses[0].Payload.String("success"))
}

func TestHandleRequest_OmitsUserWhenAnonymous(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := New(srv.URL, WithLogger(testLogger()))
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) {}))
	require.NoError(t, b.HandleRequest(t.Context(), newRequest("", `{"color":"red"}`)))

	_, hasUser := got["user"]
	assert.False(t, hasUser)
}

func TestHandleRequest_CustomBuilder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "blue", r.URL.Query().Get("color"))
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	b := New("", WithLogger(testLogger()), WithRequestBuilder(func(ctx context.Context, req *routing.Request) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/?color="+req.Payload.String("color"), nil)
	}))

	var got *routing.Response
	require.NoError(t, b.Enable(t.Context(), func(_ context.Context, r *routing.Response) { got = r }))
	require.NoError(t, b.HandleRequest(t.Context(), newRequest("", `{"color":"blue"}`)))

	require.NotNil(t, got)
	assert.Equal(t, "plain text", got.Payload.Value())
}

func TestHandleRequest_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := New(srv.URL, WithLogger(testLogger()))
	called := false
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) { called = true }))

	err := b.HandleRequest(t.Context(), newRequest("1", `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.False(t, called)
}

func TestHandleRequest_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	b := New(url, WithLogger(testLogger()))
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) {}))
	assert.Error(t, b.HandleRequest(t.Context(), newRequest("1", `{}`)))
}
