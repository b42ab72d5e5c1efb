// ABOUTME: HTTP frontend: every HTTP exchange is one connection carrying one request
// ABOUTME: The first response becomes the HTTP body; errors are written as {"error": msg}

package httpfrontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/routing"
)

// ErrAlreadyResponded is returned when a second response is sent on an
// exchange that already has one.
var ErrAlreadyResponded = errors.New("http exchange already has a response")

// Extractor builds the request payload from an HTTP request.
type Extractor func(r *http.Request) (routing.Payload, error)

// QueryPayload uses the query parameters as a JSON object. Repeated
// parameters become arrays.
func QueryPayload(r *http.Request) (routing.Payload, error) {
	body := make(map[string]any)
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			body[k] = vs[0]
			continue
		}
		arr := make([]any, len(vs))
		for i, v := range vs {
			arr[i] = v
		}
		body[k] = arr
	}
	return routing.NewPayloadValue(body)
}

// Config configures the HTTP frontend.
type Config struct {
	Addr              string
	AllowForwardedFor bool
	// ResponseTimeout bounds the wait for a response once the request has
	// been accepted. Defaults to 30s.
	ResponseTimeout time.Duration
}

// Frontend serves HTTP clients.
type Frontend struct {
	cfg          Config
	extract      Extractor
	onConnection frontend.ConnectionFunc
	onRequest    frontend.RequestFunc
	logger       *slog.Logger

	once    sync.Once
	handler http.Handler
}

// Option configures a Frontend.
type Option func(*Frontend)

// WithExtractor replaces QueryPayload.
func WithExtractor(fn Extractor) Option {
	return func(f *Frontend) { f.extract = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Frontend) { f.logger = l }
}

// New creates an HTTP frontend.
func New(cfg Config, opts ...Option) *Frontend {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	f := &Frontend{
		cfg:     cfg,
		extract: QueryPayload,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "http-frontend")
	return f
}

// Name implements frontend.Frontend.
func (f *Frontend) Name() string { return "http" }

// Enable implements frontend.Frontend.
func (f *Frontend) Enable(onConnection frontend.ConnectionFunc, onRequest frontend.RequestFunc) {
	f.onConnection = onConnection
	f.onRequest = onRequest
}

// Handler returns the router. Enable must have been called.
func (f *Frontend) Handler() http.Handler {
	f.once.Do(func() {
		r := gin.New()
		r.Use(gin.Recovery())
		r.Any("/*path", f.handle)
		f.handler = r
	})
	return f.handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (f *Frontend) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              f.cfg.Addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		f.logger.Info("http frontend listening", "addr", f.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http frontend: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http frontend shutdown: %w", err)
	}
	return nil
}

func (f *Frontend) handle(c *gin.Context) {
	ctx := c.Request.Context()
	ex := &exchange{replies: make(chan routing.Payload, 1)}
	conn := routing.NewConnection(ex, c.Request.Header.Clone(), c.Request.URL,
		frontend.ClientIP(c.Request, f.cfg.AllowForwardedFor))
	defer conn.MarkClosed()

	if err := f.onConnection(ctx, conn); err != nil {
		if ce, ok := frontend.AsClientError(err); ok {
			writeError(c, ce)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	payload, err := f.extract(c.Request)
	if err != nil {
		f.logger.Debug("unreadable request", "connection_id", conn.ID(), "error", err)
		writeError(c, frontend.Rejected("Malformed request"))
		return
	}

	err = f.onRequest(ctx, routing.NewRequest(conn, payload))
	if ce, ok := frontend.AsClientError(err); ok {
		writeError(c, ce)
		return
	}
	if err != nil {
		// Dropped. A plugin may have answered before dropping.
		select {
		case p := <-ex.replies:
			writeReply(c, p)
		default:
			c.Status(http.StatusNoContent)
		}
		return
	}

	timer := time.NewTimer(f.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case p := <-ex.replies:
		writeReply(c, p)
	case <-conn.Done():
		select {
		case p := <-ex.replies:
			writeReply(c, p)
		default:
			c.Status(http.StatusNoContent)
		}
	case <-timer.C:
		f.logger.Warn("no response before timeout", "connection_id", conn.ID(), "timeout", f.cfg.ResponseTimeout)
		c.JSON(http.StatusGatewayTimeout, frontend.ErrorBody{Error: frontend.GenericErrorMessage})
	case <-ctx.Done():
	}
}

func writeReply(c *gin.Context, p routing.Payload) {
	body := p.Bytes()
	if json.Valid(body) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
}

func writeError(c *gin.Context, ce *frontend.ClientError) {
	status := http.StatusBadRequest
	if ce.Internal {
		status = http.StatusInternalServerError
	}
	c.JSON(status, frontend.ErrorBody{Error: ce.Message})
}

// exchange is the transport of one HTTP connection. It holds at most one
// response for the handler to write.
type exchange struct {
	replies chan routing.Payload
}

func (e *exchange) Send(_ context.Context, p routing.Payload) error {
	select {
	case e.replies <- p:
		return nil
	default:
		return ErrAlreadyResponded
	}
}

func (e *exchange) Close() error { return nil }
