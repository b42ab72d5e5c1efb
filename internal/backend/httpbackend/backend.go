// ABOUTME: Synchronous backend forwarding each request as an HTTP call
// ABOUTME: A 2xx reply body becomes the response; other statuses and transport errors fail the request

package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
)

const (
	backendName = "http"

	// maxBodySize caps how much of a reply body is read.
	maxBodySize = 10 << 20
)

// RequestBuilder turns a gateway request into the outgoing HTTP request.
type RequestBuilder func(ctx context.Context, req *routing.Request) (*http.Request, error)

// PostJSON builds a POST to url with body {"user": <user id>, "data": <payload>}.
// The user field is omitted for unauthenticated connections.
func PostJSON(url string) RequestBuilder {
	return func(ctx context.Context, req *routing.Request) (*http.Request, error) {
		body := map[string]any{"data": req.Payload.Value()}
		if userID := req.Connection.UserID(); userID != "" {
			body["user"] = userID
		}

		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}

		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("X-Request-ID", req.ID)
		return hr, nil
	}
}

// Backend calls an HTTP service once per request.
type Backend struct {
	client     *http.Client
	build      RequestBuilder
	onResponse backend.ResponseFunc
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithRequestBuilder replaces PostJSON.
func WithRequestBuilder(build RequestBuilder) Option {
	return func(b *Backend) { b.build = build }
}

// WithMetrics records sent and received messages.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend that posts to url unless a request builder is given.
func New(url string, opts ...Option) *Backend {
	b := &Backend{
		client: &http.Client{Timeout: 30 * time.Second},
		build:  PostJSON(url),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "http-backend")
	return b
}

// Enable stores the response callback.
func (b *Backend) Enable(_ context.Context, onResponse backend.ResponseFunc) error {
	b.onResponse = onResponse
	return nil
}

// HandleRequest performs the call and emits the reply before returning.
func (b *Backend) HandleRequest(ctx context.Context, req *routing.Request) error {
	hr, err := b.build(ctx, req)
	if err != nil {
		return fmt.Errorf("building backend request: %w", err)
	}

	resp, err := b.client.Do(hr)
	if err != nil {
		return fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()
	b.metrics.BackendMessage(backendName, "sent")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading backend reply: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.logger.Warn("backend returned error status",
			"request_id", req.ID,
			"status", resp.StatusCode)
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	b.metrics.BackendMessage(backendName, "received")
	if b.onResponse != nil {
		b.onResponse(ctx, routing.NewResponse(req.Connection, routing.NewPayload(body), req.ID))
	}
	return nil
}
