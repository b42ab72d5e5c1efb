// ABOUTME: Request/response cache plugin answering repeated requests from a store
// ABOUTME: Misses are remembered by request id so the eventual response can be persisted

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
	"github.com/2389/relaygate/internal/ttlcache"
)

// KeyFunc returns the cache key for a request, or ok=false when the request
// must not be cached.
type KeyFunc func(r *routing.Request) (key string, ok bool)

// FieldKey keys requests by a top-level payload field. Requests without the
// field are not cached.
func FieldKey(name string) KeyFunc {
	return func(r *routing.Request) (string, bool) {
		v := r.Payload.String(name)
		return v, v != ""
	}
}

// Plugin serves cached responses and populates the store from responses to
// misses. It handles both the request and the response class and must be
// registered on each explicitly.
//
// Two concurrent misses for one key both reach the backend; the later
// response wins.
type Plugin struct {
	store   Store
	key     KeyFunc
	send    plugin.SendResponse
	pending *ttlcache.Cache[string] // request id -> cache key
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Plugin.
type Option func(*pluginOptions)

type pluginOptions struct {
	pendingTTL   time.Duration
	pendingLimit int
	metrics      *metrics.Collector
	logger       *slog.Logger
}

// WithPendingTTL bounds how long a miss waits for its response. Defaults to
// five minutes.
func WithPendingTTL(d time.Duration) Option {
	return func(o *pluginOptions) { o.pendingTTL = d }
}

// WithPendingLimit bounds the number of outstanding misses. Defaults to
// 10000.
func WithPendingLimit(n int) Option {
	return func(o *pluginOptions) { o.pendingLimit = n }
}

// WithMetrics counts hits and misses.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *pluginOptions) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *pluginOptions) { o.logger = l }
}

// New creates a cache plugin over store.
func New(store Store, key KeyFunc, opts ...Option) *Plugin {
	o := pluginOptions{
		pendingTTL:   5 * time.Minute,
		pendingLimit: 10000,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Plugin{
		store:   store,
		key:     key,
		pending: ttlcache.New[string](o.pendingTTL, o.pendingLimit),
		metrics: o.metrics,
		logger:  o.logger.With("component", "cache"),
	}
}

// SetResponseSender receives the pipeline's response injector.
func (p *Plugin) SetResponseSender(send plugin.SendResponse) {
	p.send = send
}

// HandleRequest answers a hit directly and drops the request so it never
// reaches the backend. A miss passes through unchanged.
func (p *Plugin) HandleRequest(ctx context.Context, r *routing.Request) (*routing.Request, error) {
	key, ok := p.key(r)
	if !ok {
		return nil, nil
	}

	value, hit, err := p.store.Get(ctx, key)
	if err != nil {
		p.metrics.CacheLookup("error")
		p.logger.Warn("cache lookup failed, treating as miss", "key", key, "error", err)
		hit = false
	}

	if hit {
		if p.send == nil {
			return nil, fmt.Errorf("cache hit for %q with no response sender", key)
		}
		p.metrics.CacheLookup("hit")
		p.logger.Debug("cache hit", "key", key, "request_id", r.ID)
		p.send(ctx, routing.NewResponse(r.Connection, routing.NewPayload(value), r.ID))
		return nil, plugin.ErrDrop
	}

	if err == nil {
		p.metrics.CacheLookup("miss")
	}
	p.pending.Set(r.ID, key)
	return nil, nil
}

// HandleResponse stores the response to an earlier miss.
func (p *Plugin) HandleResponse(ctx context.Context, r *routing.Response) (*routing.Response, error) {
	if r.RequestID == "" {
		return nil, nil
	}
	key, ok := p.pending.Get(r.RequestID)
	if !ok {
		return nil, nil
	}

	if err := p.store.Set(ctx, key, r.Payload.Bytes()); err != nil {
		p.logger.Warn("cache store failed", "key", key, "error", err)
	}
	p.pending.Delete(r.RequestID)
	return nil, nil
}

// Pending returns the number of misses awaiting a response.
func (p *Plugin) Pending() int {
	return p.pending.Len()
}

// Close stops the pending table's sweep.
func (p *Plugin) Close() error {
	p.pending.Close()
	return nil
}
