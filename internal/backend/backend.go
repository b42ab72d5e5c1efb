// ABOUTME: Backend contract: services that consume requests and produce responses
// ABOUTME: Asynchronous backends also observe admitted connections to correlate replies

package backend

import (
	"context"

	"github.com/2389/relaygate/internal/routing"
)

// ResponseFunc feeds a backend response into the response chain. Backends
// may call it any number of times per forwarded request, from any goroutine.
type ResponseFunc func(ctx context.Context, resp *routing.Response)

// Backend forwards requests to the services behind the gateway.
type Backend interface {
	// Enable hands the backend its response callback and starts any
	// consumers. Consumers stop when ctx is canceled.
	Enable(ctx context.Context, onResponse ResponseFunc) error
	// HandleRequest forwards an admitted request.
	HandleRequest(ctx context.Context, req *routing.Request) error
}

// ConnectionObserver is implemented by backends that need every admitted
// connection, typically to route asynchronous replies.
type ConnectionObserver interface {
	HandleConnection(ctx context.Context, c *routing.Connection)
}

// ConnectionObserverFunc adapts a function to ConnectionObserver.
type ConnectionObserverFunc func(ctx context.Context, c *routing.Connection)

func (f ConnectionObserverFunc) HandleConnection(ctx context.Context, c *routing.Connection) {
	f(ctx, c)
}
