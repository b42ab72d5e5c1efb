// ABOUTME: WebSocket frontend: each socket is one connection, each JSON text frame one request
// ABOUTME: Requests on a socket run concurrently; writes are serialized per socket

package wsfrontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/routing"
)

// NotJSONMessage is sent for frames that are not valid JSON.
const NotJSONMessage = "Message Not JSON"

// Config configures the WebSocket frontend.
type Config struct {
	Addr string
	// Path is where the upgrade is served. Defaults to "/".
	Path              string
	AllowForwardedFor bool
	// ReadLimit caps a single frame. Defaults to 1 MiB.
	ReadLimit int64
	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration
	// CheckOrigin decides whether to accept a handshake. Nil accepts all.
	CheckOrigin func(r *http.Request) bool
}

// Frontend serves WebSocket clients.
type Frontend struct {
	cfg          Config
	upgrader     websocket.Upgrader
	onConnection frontend.ConnectionFunc
	onRequest    frontend.RequestFunc
	logger       *slog.Logger

	once    sync.Once
	handler http.Handler
}

// Option configures a Frontend.
type Option func(*Frontend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Frontend) { f.logger = l }
}

// New creates a WebSocket frontend.
func New(cfg Config, opts ...Option) *Frontend {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	f := &Frontend{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "ws-frontend")
	return f
}

// Name implements frontend.Frontend.
func (f *Frontend) Name() string { return "websocket" }

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
		r.GET(f.cfg.Path, f.handleWS)
		f.handler = r
	})
	return f.handler
}

// Run serves until ctx is canceled. Open sockets are closed on shutdown.
func (f *Frontend) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              f.cfg.Addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		f.logger.Info("websocket frontend listening", "addr", f.cfg.Addr, "path", f.cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("websocket frontend: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("websocket frontend shutdown: %w", err)
	}
	return nil
}

func (f *Frontend) handleWS(c *gin.Context) {
	ws, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	tr := &socket{ws: ws, writeTimeout: f.cfg.WriteTimeout}
	conn := routing.NewConnection(tr, c.Request.Header.Clone(), c.Request.URL,
		frontend.ClientIP(c.Request, f.cfg.AllowForwardedFor))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	defer conn.MarkClosed()
	defer ws.Close()

	logger := f.logger.With("connection_id", conn.ID())

	if err := f.onConnection(ctx, conn); err != nil {
		if ce, ok := frontend.AsClientError(err); ok {
			_ = tr.sendJSON(frontend.ErrorBody{Error: ce.Message})
		}
		_ = conn.Close()
		return
	}
	logger.Debug("websocket session opened", "remote_ip", conn.RemoteIP)

	// Close the socket when the gateway side closes the connection so the
	// read loop unblocks.
	go func() {
		select {
		case <-conn.Done():
			_ = ws.Close()
		case <-ctx.Done():
			_ = ws.Close()
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	ws.SetReadLimit(f.cfg.ReadLimit)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket peer closed")
			} else {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !json.Valid(data) {
			_ = tr.sendJSON(NotJSONMessage)
			continue
		}

		req := routing.NewRequest(conn, routing.NewPayload(data))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ce, ok := frontend.AsClientError(f.onRequest(ctx, req)); ok {
				if err := tr.sendJSON(frontend.ErrorBody{Error: ce.Message}); err != nil {
					logger.Debug("error reply not delivered", "request_id", req.ID, "error", err)
				}
			}
		}()
	}
}

// socket is the transport of one WebSocket connection.
type socket struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Send writes p as one text frame. Payloads that are not JSON are sent as
// JSON strings.
func (s *socket) Send(_ context.Context, p routing.Payload) error {
	body := p.Bytes()
	if !json.Valid(body) {
		var err error
		if body, err = json.Marshal(string(body)); err != nil {
			return err
		}
	}
	return s.write(body)
}

func (s *socket) sendJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(body)
}

func (s *socket) write(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return routing.ErrConnectionClosed
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, body)
}

// Close sends a close frame and closes the socket.
func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.ws.Close()
}
