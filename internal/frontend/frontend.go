// ABOUTME: Frontend contract: transports that produce connections and requests
// ABOUTME: Also defines the client-facing error taxonomy frontends must surface

package frontend

import (
	"context"
	"errors"

	"github.com/2389/relaygate/internal/routing"
)

// GenericErrorMessage is what clients see for internal failures.
const GenericErrorMessage = "Unfortunately, an error occurred. Please try again later"

// ErrDropped means the gateway decided to say nothing. Frontends surface
// nothing to the client; for connections they close the session.
var ErrDropped = errors.New("dropped")

// ClientError is an error the frontend must surface to the client.
type ClientError struct {
	Message string
	// Internal is set for failures inside the gateway, where Message is
	// GenericErrorMessage.
	Internal bool
}

func (e *ClientError) Error() string {
	return e.Message
}

// Rejected builds a user-visible rejection.
func Rejected(msg string) *ClientError {
	return &ClientError{Message: msg}
}

// InternalError builds the generic failure reply.
func InternalError() *ClientError {
	return &ClientError{Message: GenericErrorMessage, Internal: true}
}

// ConnectionFunc admits a new connection. A nil error admits it; any other
// error means the frontend must surface the error (if a *ClientError) and
// close the session.
type ConnectionFunc func(ctx context.Context, c *routing.Connection) error

// RequestFunc submits a request on an admitted connection. A *ClientError
// must be surfaced to the client without closing the session.
type RequestFunc func(ctx context.Context, r *routing.Request) error

// Frontend is a client-facing transport.
type Frontend interface {
	// Name identifies the frontend in logs.
	Name() string
	// Enable hands the frontend its callbacks. It is called once, before Run.
	// onConnection is invoked once per session before any onRequest on it.
	Enable(onConnection ConnectionFunc, onRequest RequestFunc)
	// Run serves until ctx is canceled.
	Run(ctx context.Context) error
}

// ErrorBody is the JSON shape frontends use to report errors to clients.
type ErrorBody struct {
	Error string `json:"error"`
}

// AsClientError extracts the client-visible part of err. ok is false for nil
// and ErrDropped; any other error that is not a *ClientError is reported as
// an internal error.
func AsClientError(err error) (ce *ClientError, ok bool) {
	if err == nil || errors.Is(err, ErrDropped) {
		return nil, false
	}
	if errors.As(err, &ce) {
		return ce, true
	}
	return InternalError(), true
}
