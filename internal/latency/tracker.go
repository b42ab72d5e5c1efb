// ABOUTME: Plugin measuring the time between a request and its response
// ABOUTME: Start times live in a bounded TTL table keyed by request id

package latency

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
	"github.com/2389/relaygate/internal/ttlcache"
)

// MethodFunc names a request for logs and metrics.
type MethodFunc func(r *routing.Request) string

// FieldMethod names requests by a payload field, "unknown" when absent.
func FieldMethod(name string) MethodFunc {
	return func(r *routing.Request) string {
		if v := r.Payload.String(name); v != "" {
			return v
		}
		return "unknown"
	}
}

type start struct {
	at     time.Time
	method string
}

// Tracker records request start times and reports elapsed time when the
// matching response passes. Register it on the request and response chains.
type Tracker struct {
	inflight *ttlcache.Cache[start]
	method   MethodFunc
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMethod replaces the default namer, the "method" payload field.
func WithMethod(fn MethodFunc) Option {
	return func(t *Tracker) { t.method = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics observes latencies into the request latency histogram.
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New tracks up to maxInflight requests for at most maxAge each.
func New(maxInflight int, maxAge time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		method: FieldMethod("method"),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "latency")
	t.inflight = ttlcache.New[start](maxAge, maxInflight, ttlcache.WithClock(t.now))
	return t
}

// HandleRequest records the start time.
func (t *Tracker) HandleRequest(_ context.Context, r *routing.Request) (*routing.Request, error) {
	t.inflight.Set(r.ID, start{at: t.now(), method: t.method(r)})
	return nil, nil
}

// HandleResponse reports the elapsed time for the answered request.
func (t *Tracker) HandleResponse(_ context.Context, r *routing.Response) (*routing.Response, error) {
	if r.IsPush() {
		return nil, nil
	}

	s, ok := t.inflight.Take(r.RequestID)
	if !ok {
		t.logger.Debug("request key expired", "request_id", r.RequestID)
		return nil, nil
	}

	elapsed := t.now().Sub(s.at)
	t.metrics.ObserveLatency(s.method, elapsed)
	t.logger.Info("request completed",
		"method", s.method,
		"request_id", r.RequestID,
		"duration_ms", elapsed.Milliseconds())
	return nil, nil
}

// Inflight returns the number of requests awaiting a response.
func (t *Tracker) Inflight() int {
	return t.inflight.Len()
}

// Close stops the table's sweep.
func (t *Tracker) Close() error {
	t.inflight.Close()
	return nil
}
