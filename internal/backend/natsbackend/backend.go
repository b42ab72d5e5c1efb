// ABOUTME: Asynchronous backend publishing stamped requests over NATS
// ABOUTME: Replies arrive on a shared subject and a per-instance subject and are routed by the correlation registry

package natsbackend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/backend/correlation"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
)

const backendName = "nats"

// Conn is the subset of *nats.Conn the backend uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Config names the subjects the backend talks on.
type Config struct {
	// RequestSubject receives every stamped request.
	RequestSubject string
	// ReplyPrefix is the root of the reply subjects. The backend listens on
	// <prefix>.all for messages meant for every gateway and on
	// <prefix>.<instance id> for replies to its own requests.
	ReplyPrefix string
	// InstanceID identifies this gateway process. Generated when empty.
	InstanceID string
}

// Dial connects to a NATS server, reconnecting forever.
func Dial(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

// Backend forwards requests over NATS.
type Backend struct {
	conn       Conn
	cfg        Config
	registry   *correlation.Registry
	onResponse backend.ResponseFunc
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithMetrics records message counts.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend over conn.
func New(conn Conn, cfg Config, opts ...Option) *Backend {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	b := &Backend{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "nats-backend", "instance", cfg.InstanceID)
	b.registry = correlation.NewRegistry(b.logger)
	return b
}

// InstanceID returns the id stamped on outgoing requests.
func (b *Backend) InstanceID() string {
	return b.cfg.InstanceID
}

// Enable subscribes to the reply subjects.
func (b *Backend) Enable(ctx context.Context, onResponse backend.ResponseFunc) error {
	b.onResponse = onResponse

	handler := func(msg *nats.Msg) {
		b.handleMessage(ctx, msg.Data)
	}
	for _, subj := range []string{b.cfg.ReplyPrefix + ".all", b.cfg.ReplyPrefix + "." + b.cfg.InstanceID} {
		if _, err := b.conn.Subscribe(subj, handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", subj, err)
		}
		b.logger.Info("subscribed to replies", "subject", subj)
	}
	return nil
}

// HandleConnection indexes an admitted connection for reply routing.
func (b *Backend) HandleConnection(_ context.Context, c *routing.Connection) {
	b.registry.Track(c)
}

// HandleRequest publishes the stamped request. Replies arrive later.
func (b *Backend) HandleRequest(_ context.Context, req *routing.Request) error {
	data, err := correlation.Stamp(req, b.cfg.InstanceID)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.cfg.RequestSubject, data); err != nil {
		return fmt.Errorf("publishing request: %w", err)
	}
	b.metrics.BackendMessage(backendName, "sent")
	return nil
}

func (b *Backend) handleMessage(ctx context.Context, data []byte) {
	env, err := correlation.Parse(data)
	if err != nil {
		b.metrics.BackendMessage(backendName, "discarded")
		b.logger.Warn("discarding malformed reply", "error", err)
		return
	}

	resps := b.registry.Route(env)
	if len(resps) == 0 {
		b.metrics.BackendMessage(backendName, "discarded")
		return
	}
	b.metrics.BackendMessage(backendName, "received")
	for _, resp := range resps {
		b.onResponse(ctx, resp)
	}
}

// Close drains the connection.
func (b *Backend) Close() error {
	return b.conn.Drain()
}
