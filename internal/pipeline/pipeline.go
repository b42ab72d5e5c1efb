// ABOUTME: Event pipeline dispatching connections, requests and responses through their chains
// ABOUTME: Routes chain outcomes to observers, the backend, frontend error replies or connection sends

package pipeline

import (
	"context"
	"log/slog"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/frontend"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

// Chains holds the ordered handlers for each event class.
type Chains struct {
	Connection []plugin.ConnectionHandler
	Request    []plugin.RequestHandler
	Response   []plugin.ResponseHandler
}

// Config is everything a pipeline needs. It is copied by New; later changes
// to the slices have no effect.
type Config struct {
	Chains    Chains
	Backend   backend.Backend
	Observers []backend.ConnectionObserver
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Pipeline dispatches items through their chains. Its chains are fixed at
// construction, so it is safe for concurrent use by any number of frontends
// and backend consumers.
type Pipeline struct {
	connection []Handler[*routing.Connection]
	request    []Handler[*routing.Request]
	response   []Handler[*routing.Response]

	backend   backend.Backend
	observers []backend.ConnectionObserver
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New builds a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		backend:   cfg.Backend,
		observers: append([]backend.ConnectionObserver(nil), cfg.Observers...),
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "pipeline"),
	}
	for _, h := range cfg.Chains.Connection {
		p.connection = append(p.connection, h.HandleConnection)
	}
	for _, h := range cfg.Chains.Request {
		p.request = append(p.request, h.HandleRequest)
	}
	for _, h := range cfg.Chains.Response {
		p.response = append(p.response, h.HandleResponse)
	}
	return p
}

// EmitConnection runs the connection chain. A nil return admits the
// connection and hands it to every observer. Otherwise the frontend must
// close the session after surfacing the error.
func (p *Pipeline) EmitConnection(ctx context.Context, c *routing.Connection) error {
	out := Evaluate(ctx, c, p.connection)
	p.metrics.ChainOutcome(plugin.Connection.String(), out.Kind.String())

	switch out.Kind {
	case Continue:
		conn := out.Item
		p.metrics.ConnectionOpened()
		conn.OnClose(func(*routing.Connection) { p.metrics.ConnectionClosed() })
		for _, o := range p.observers {
			o.HandleConnection(ctx, conn)
		}
		p.logger.Debug("connection admitted",
			"connection_id", conn.ID(),
			"remote_ip", conn.RemoteIP,
			"user_id", conn.UserID())
		return nil
	case Reject:
		p.logger.Debug("connection rejected", "connection_id", c.ID(), "message", out.Message)
		return frontend.Rejected(out.Message)
	case Drop:
		p.logger.Debug("connection dropped", "connection_id", c.ID())
		return frontend.ErrDropped
	default:
		p.logger.Error("connection chain failed", "connection_id", c.ID(), "error", out.Err)
		return frontend.InternalError()
	}
}

// EmitRequest runs the request chain and forwards the surviving request to
// the backend. Errors are for the frontend to surface; the connection stays
// open. Responses injected while the chain runs are dispatched once it has
// resolved.
func (p *Pipeline) EmitRequest(ctx context.Context, r *routing.Request) error {
	box := &outbox{}
	out := Evaluate(withOutbox(ctx, box), r, p.request)
	p.metrics.ChainOutcome(plugin.Request.String(), out.Kind.String())

	for _, resp := range box.seal() {
		p.EmitResponse(ctx, resp)
	}

	switch out.Kind {
	case Continue:
		return p.forward(ctx, out.Item)
	case Reject:
		p.logger.Debug("request rejected", "request_id", r.ID, "message", out.Message)
		return frontend.Rejected(out.Message)
	case Drop:
		p.logger.Debug("request dropped", "request_id", r.ID)
		return frontend.ErrDropped
	default:
		p.logger.Error("request chain failed",
			"request_id", r.ID,
			"connection_id", r.Connection.ID(),
			"error", out.Err)
		return frontend.InternalError()
	}
}

func (p *Pipeline) forward(ctx context.Context, r *routing.Request) error {
	if p.backend == nil {
		p.logger.Error("request dropped: no backend configured", "request_id", r.ID)
		return frontend.ErrDropped
	}
	if err := p.backend.HandleRequest(ctx, r); err != nil {
		p.logger.Error("backend failed to handle request", "request_id", r.ID, "error", err)
		return frontend.InternalError()
	}
	return nil
}

// EmitResponse runs the response chain and sends the surviving response on
// its connection. There is nobody to report to, so rejections count as drops
// and failures are only logged.
func (p *Pipeline) EmitResponse(ctx context.Context, r *routing.Response) {
	out := Evaluate(ctx, r, p.response)
	p.metrics.ChainOutcome(plugin.Response.String(), out.Kind.String())

	switch out.Kind {
	case Continue:
		resp := out.Item
		if resp.Connection == nil {
			p.logger.Warn("response has no connection", "request_id", resp.RequestID)
			return
		}
		if err := resp.Connection.Send(ctx, resp.Payload); err != nil {
			p.logger.Debug("response not delivered",
				"request_id", resp.RequestID,
				"connection_id", resp.Connection.ID(),
				"error", err)
		}
	case Reject, Drop:
		p.logger.Debug("response suppressed", "request_id", r.RequestID, "outcome", out.Kind.String())
	default:
		p.logger.Error("response chain failed", "request_id", r.RequestID, "error", out.Err)
	}
}

// SendResponse is the response sender handed to plugins. Inside a request
// chain the response is held until that chain resolves; otherwise it goes
// straight into the response chain.
func (p *Pipeline) SendResponse(ctx context.Context, r *routing.Response) {
	if box, ok := ctx.Value(outboxKey{}).(*outbox); ok && box.hold(r) {
		return
	}
	p.EmitResponse(ctx, r)
}
