// ABOUTME: Token-bucket request plugin with one bucket per routing key
// ABOUTME: Buckets are created lazily and refill continuously at requests per interval

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

// Message is the rejection sent when a bucket is empty.
const Message = "Rate limit hit"

// KeyFunc picks the bucket for a request.
type KeyFunc func(r *routing.Request) string

// ByIP keys buckets by client IP.
func ByIP(r *routing.Request) string {
	return "ip:" + r.Connection.RemoteIP
}

// ByUser keys buckets by user id, falling back to client IP for anonymous
// connections.
func ByUser(r *routing.Request) string {
	if userID := r.Connection.UserID(); userID != "" {
		return "user:" + userID
	}
	return ByIP(r)
}

// Limiter rejects requests once their key has used up its allowance.
type Limiter struct {
	limit       rate.Limit
	burst       int
	key         KeyFunc
	shouldLimit func(r *routing.Request) bool
	now         func() time.Time
	metrics     *metrics.Collector
	logger      *slog.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKey replaces ByIP.
func WithKey(fn KeyFunc) Option {
	return func(l *Limiter) { l.key = fn }
}

// WithPredicate limits only requests for which shouldLimit returns true.
// All requests are limited by default.
func WithPredicate(shouldLimit func(r *routing.Request) bool) Option {
	return func(l *Limiter) { l.shouldLimit = shouldLimit }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics counts rejections.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New allows requests per interval for each key. A full bucket holds
// requests tokens, so a quiet client may burst up to that many at once.
func New(requests int, interval time.Duration, opts ...Option) *Limiter {
	if requests < 1 {
		requests = 1
	}
	l := &Limiter{
		limit:       rate.Every(interval / time.Duration(requests)),
		burst:       requests,
		key:         ByIP,
		shouldLimit: func(*routing.Request) bool { return true },
		now:         time.Now,
		logger:      slog.Default(),
		buckets:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// HandleRequest takes one token from the request's bucket.
func (l *Limiter) HandleRequest(_ context.Context, r *routing.Request) (*routing.Request, error) {
	if !l.shouldLimit(r) {
		return nil, nil
	}

	key := l.key(r)
	if l.bucket(key).AllowN(l.now(), 1) {
		return nil, nil
	}

	l.metrics.RateLimited()
	l.logger.Debug("rate limit hit", "key", key, "request_id", r.ID)
	return nil, plugin.Reject(Message)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Len returns the number of buckets. Buckets are never evicted.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
