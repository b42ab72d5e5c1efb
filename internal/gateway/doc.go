// Package gateway assembles and runs relaygate.
//
// # Overview
//
// A Gateway owns the frontends, the single active backend and the ordered
// plugin chains for the connection, request and response event classes.
// Registration happens before Run; Run freezes the chains into a
// pipeline.Pipeline and wires every component to it:
//
//   - each frontend's connection and request callbacks feed
//     Pipeline.EmitConnection and Pipeline.EmitRequest
//   - the backend's response callback feeds Pipeline.EmitResponse
//   - a backend that implements backend.ConnectionObserver sees every
//     admitted connection, outside the rejectable request chain
//   - plugins implementing plugin.ResponseSenderAware get a sender that
//     injects responses into the response chain
//
// # Registering plugins
//
// AddPlugin appends a plugin to the chains it is registered for. A plugin
// that handles a single class may omit the class. A plugin that handles
// several, such as the cache or the latency tracker, must name them:
//
//	gw.AddPlugin(tracker, plugin.Request, plugin.Response)
//
// Omitting them returns ErrAmbiguousPlugin, since the position of the
// plugin in each chain cannot be inferred.
//
// On registers a bare function for one class:
//
//	gw.On(plugin.Request, func(ctx context.Context, r *routing.Request) (*routing.Request, error) {
//	    return nil, nil
//	})
//
// # Configuration
//
// FromConfig builds a gateway from a config.Config: the enabled frontends,
// the configured backend (dialing NATS, Kafka or gRPC clients), every named
// plugin instance and the per-class chains listed under pipeline. A plugin
// instance named in several chains is the same value in each, so the cache
// sees both halves of its lookup and populate cycle.
//
// # Admin endpoints
//
// When server.admin_addr is set the gateway also serves:
//
//   - GET /health - liveness, always 200
//   - GET /health/ready - 200 once the frontends are serving, 503 otherwise
//   - GET /metrics - Prometheus exposition when metrics are enabled
//
// # Shutdown
//
// Canceling the context passed to Run stops the frontends and the admin
// server. The backend and every plugin implementing io.Closer are then
// closed, bounded by server.shutdown_timeout.
package gateway
