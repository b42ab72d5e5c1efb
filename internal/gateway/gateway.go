// ABOUTME: Gateway facade that registers frontends, one backend and chain plugins
// ABOUTME: Runs frontends and the admin server under one errgroup and closes components on shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/pipeline"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

var (
	// ErrAmbiguousPlugin is returned when a plugin handles more than one
	// event class and no class was named at registration.
	ErrAmbiguousPlugin = errors.New("plugin handles several event classes; name the classes explicitly")
	// ErrNoHandlers is returned for a plugin with no chain handler at all.
	ErrNoHandlers = errors.New("plugin has no connection, request or response handler")
	// ErrUnsupportedClass is returned when a plugin is registered for a
	// class it has no handler for.
	ErrUnsupportedClass = errors.New("plugin does not handle event class")
	// ErrAlreadyRunning is returned by registration calls made after Run.
	ErrAlreadyRunning = errors.New("gateway is already running")
	// ErrNoFrontends is returned by Run when nothing can accept clients.
	ErrNoFrontends = errors.New("no frontends registered")
)

// Options configures a Gateway. The zero value is usable.
type Options struct {
	// AdminAddr serves /health, /health/ready and /metrics. Empty disables
	// the admin server.
	AdminAddr string
	// ShutdownTimeout bounds closing the backend and plugins. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Metrics is handed to the pipeline. Nil disables recording.
	Metrics *metrics.Collector
	// Gatherer backs the /metrics endpoint. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// MetricsPath defaults to /metrics.
	MetricsPath string
	Logger      *slog.Logger
}

// Gateway wires frontends, plugins and a backend into one pipeline.
type Gateway struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	frontends []frontend.Frontend
	backend   backend.Backend
	chains    pipeline.Chains
	closers   []io.Closer

	pipe  atomic.Pointer[pipeline.Pipeline]
	ready atomic.Bool
}

// New creates an empty gateway.
func New(opts Options) *Gateway {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		opts:   opts,
		logger: logger.With("component", "gateway"),
	}
}

// AddFrontend registers a frontend. Its callbacks are wired when Run starts.
func (g *Gateway) AddFrontend(f frontend.Frontend) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.frontends = append(g.frontends, f)
	return nil
}

// SetBackend sets the single active backend, replacing any earlier one.
// A backend that is also a backend.ConnectionObserver sees every admitted
// connection, whatever later request chains decide.
func (g *Gateway) SetBackend(b backend.Backend) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.backend = b
	return nil
}

// AddPlugin appends p to the chain of each named class, in call order.
// Without classes, p must handle exactly one class.
func (g *Gateway) AddPlugin(p any, classes ...plugin.EventClass) error {
	supported := plugin.Classes(p)
	if len(supported) == 0 {
		return fmt.Errorf("%w: %T", ErrNoHandlers, p)
	}
	if len(classes) == 0 {
		if len(supported) > 1 {
			return fmt.Errorf("%w: %T", ErrAmbiguousPlugin, p)
		}
		classes = supported
	}
	for _, class := range classes {
		if !plugin.Supports(p, class) {
			return fmt.Errorf("%w: %T has no %s handler", ErrUnsupportedClass, p, class)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}

	for _, class := range classes {
		switch class {
		case plugin.Connection:
			g.chains.Connection = append(g.chains.Connection, p.(plugin.ConnectionHandler))
		case plugin.Request:
			g.chains.Request = append(g.chains.Request, p.(plugin.RequestHandler))
		case plugin.Response:
			g.chains.Response = append(g.chains.Response, p.(plugin.ResponseHandler))
		}
	}

	if aware, ok := p.(plugin.ResponseSenderAware); ok {
		aware.SetResponseSender(g.sendResponse)
	}
	if c, ok := p.(io.Closer); ok {
		g.trackCloser(c)
	}
	return nil
}

// On registers a single handler for class. Besides the handler interfaces
// it accepts bare functions with a handler signature.
func (g *Gateway) On(class plugin.EventClass, handler any) error {
	switch h := handler.(type) {
	case func(context.Context, *routing.Connection) (*routing.Connection, error):
		handler = plugin.ConnectionHandlerFunc(h)
	case func(context.Context, *routing.Request) (*routing.Request, error):
		handler = plugin.RequestHandlerFunc(h)
	case func(context.Context, *routing.Response) (*routing.Response, error):
		handler = plugin.ResponseHandlerFunc(h)
	}
	return g.AddPlugin(handler, class)
}

// addCloser registers c to be closed on shutdown.
func (g *Gateway) addCloser(c io.Closer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trackCloser(c)
}

// trackCloser records c once. Callers hold g.mu.
func (g *Gateway) trackCloser(c io.Closer) {
	for _, existing := range g.closers {
		if existing == c {
			return
		}
	}
	g.closers = append(g.closers, c)
}

// sendResponse is the response sender handed to plugins.
func (g *Gateway) sendResponse(ctx context.Context, r *routing.Response) {
	p := g.pipe.Load()
	if p == nil {
		g.logger.Warn("response sent before the gateway started", "request_id", r.RequestID)
		return
	}
	p.SendResponse(ctx, r)
}

// Run freezes the chains, enables the backend and serves every frontend
// until ctx is canceled or one of them fails. The backend and plugins are
// closed before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	p, err := g.start()
	if err != nil {
		return err
	}

	if g.backend != nil {
		if err := g.backend.Enable(ctx, p.EmitResponse); err != nil {
			return errors.Join(fmt.Errorf("enabling backend: %w", err), g.shutdown())
		}
	} else {
		g.logger.Warn("no backend configured; admitted requests will be dropped")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, f := range g.frontends {
		f.Enable(p.EmitConnection, p.EmitRequest)
		eg.Go(func() error {
			if err := f.Run(egCtx); err != nil {
				return fmt.Errorf("%s frontend: %w", f.Name(), err)
			}
			return nil
		})
	}
	if g.opts.AdminAddr != "" {
		eg.Go(func() error { return g.runAdmin(egCtx) })
	}

	g.ready.Store(true)
	g.logger.Info("gateway running",
		"frontends", len(g.frontends),
		"connection_plugins", len(g.chains.Connection),
		"request_plugins", len(g.chains.Request),
		"response_plugins", len(g.chains.Response))

	runErr := eg.Wait()
	g.ready.Store(false)

	g.logger.Info("shutting down gateway")
	return errors.Join(runErr, g.shutdown())
}

// start marks the gateway running and builds the pipeline.
func (g *Gateway) start() (*pipeline.Pipeline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil, ErrAlreadyRunning
	}
	if len(g.frontends) == 0 {
		return nil, ErrNoFrontends
	}
	g.running = true

	var observers []backend.ConnectionObserver
	if o, ok := g.backend.(backend.ConnectionObserver); ok {
		observers = append(observers, o)
	}
	if c, ok := g.backend.(io.Closer); ok {
		g.trackCloser(c)
	}

	p := pipeline.New(pipeline.Config{
		Chains:    g.chains,
		Backend:   g.backend,
		Observers: observers,
		Metrics:   g.opts.Metrics,
		Logger:    g.opts.Logger,
	})
	g.pipe.Store(p)
	return p, nil
}

// shutdown closes the backend and plugins within the shutdown timeout.
func (g *Gateway) shutdown() error {
	done := make(chan error, 1)
	go func() {
		var errs []error
		for _, c := range g.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %T: %w", c, err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(g.opts.ShutdownTimeout):
		return fmt.Errorf("shutdown did not finish within %s", g.opts.ShutdownTimeout)
	}
}

// AdminHandler serves the health and metrics endpoints.
func (g *Gateway) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.opts.Gatherer != nil {
		mux.Handle("GET "+g.opts.MetricsPath, metrics.Handler(g.opts.Gatherer))
	}
	return mux
}

func (g *Gateway) runAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.opts.AdminAddr,
		Handler:           g.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("admin server listening", "addr", g.opts.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the frontends are serving.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d frontends)", len(g.frontends))
}
