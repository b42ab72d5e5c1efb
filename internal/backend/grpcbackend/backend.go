// ABOUTME: Synchronous backend forwarding each request as a unary gRPC call
// ABOUTME: Requests and replies travel as protobuf Structs so no generated stubs are needed

package grpcbackend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
)

const (
	backendName = "grpc"

	// DefaultMethod is the full method name called when none is configured.
	DefaultMethod = "/relay.v1.Backend/Handle"
)

// Dial opens a client connection to target. TLS is expected to be
// terminated in front of the worker.
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", target, err)
	}
	return conn, nil
}

// Backend calls a gRPC method once per request.
type Backend struct {
	conn       grpc.ClientConnInterface
	method     string
	timeout    time.Duration
	onResponse backend.ResponseFunc
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithMethod sets the full method name, e.g. "/pkg.Service/Method".
func WithMethod(method string) Option {
	return func(b *Backend) { b.method = method }
}

// WithTimeout bounds each call. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// WithMetrics records sent and received messages.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend calling over conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Backend {
	b := &Backend{
		conn:    conn,
		method:  DefaultMethod,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "grpc-backend", "method", b.method)
	return b
}

// Enable stores the response callback.
func (b *Backend) Enable(_ context.Context, onResponse backend.ResponseFunc) error {
	b.onResponse = onResponse
	return nil
}

// HandleRequest performs the call and emits the reply before returning.
func (b *Backend) HandleRequest(ctx context.Context, req *routing.Request) error {
	fields := map[string]any{
		"request_id":    req.ID,
		"connection_id": req.Connection.ID(),
		"data":          req.Payload.Value(),
	}
	if userID := req.Connection.UserID(); userID != "" {
		fields["user"] = userID
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	reply := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, b.method, in, reply); err != nil {
		b.logger.Warn("backend call failed", "request_id", req.ID, "error", err)
		return fmt.Errorf("calling %s: %w", b.method, err)
	}
	b.metrics.BackendMessage(backendName, "sent")

	payload, err := routing.NewPayloadValue(reply.AsMap())
	if err != nil {
		return err
	}
	b.metrics.BackendMessage(backendName, "received")
	if b.onResponse != nil {
		b.onResponse(ctx, routing.NewResponse(req.Connection, payload, req.ID))
	}
	return nil
}

// Close closes the underlying connection if the backend owns one.
func (b *Backend) Close() error {
	if c, ok := b.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
