// ABOUTME: Plugin contract for the connection, request and response chains
// ABOUTME: Defines handler interfaces, func adapters, event classes and the reject/drop result protocol

package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/relaygate/internal/routing"
)

// ErrDrop stops a chain silently. No later handler runs and the client is
// told nothing.
var ErrDrop = errors.New("dropped")

// Rejection stops a chain and carries a message for the client.
type Rejection struct {
	Message string
}

func (r *Rejection) Error() string {
	return "rejected: " + r.Message
}

// Reject returns an error that stops the chain with msg as the user-visible
// message.
func Reject(msg string) error {
	return &Rejection{Message: msg}
}

// EventClass names one of the three chains.
type EventClass int

const (
	Connection EventClass = iota + 1
	Request
	Response
)

func (c EventClass) String() string {
	switch c {
	case Connection:
		return "connection"
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("EventClass(%d)", int(c))
	}
}

// ParseEventClass maps a config name to an EventClass.
func ParseEventClass(s string) (EventClass, error) {
	switch s {
	case "connection":
		return Connection, nil
	case "request":
		return Request, nil
	case "response":
		return Response, nil
	default:
		return 0, fmt.Errorf("unknown event class %q", s)
	}
}

// Handlers return (nil, nil) to pass the item on unchanged, a non-nil item to
// replace it, Reject(msg) to refuse it, ErrDrop to stop silently, or any
// other error to fail.

// ConnectionHandler runs on every new connection.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, c *routing.Connection) (*routing.Connection, error)
}

// RequestHandler runs on every inbound request.
type RequestHandler interface {
	HandleRequest(ctx context.Context, r *routing.Request) (*routing.Request, error)
}

// ResponseHandler runs on every outbound response.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, r *routing.Response) (*routing.Response, error)
}

// ConnectionHandlerFunc adapts a function to ConnectionHandler.
type ConnectionHandlerFunc func(ctx context.Context, c *routing.Connection) (*routing.Connection, error)

func (f ConnectionHandlerFunc) HandleConnection(ctx context.Context, c *routing.Connection) (*routing.Connection, error) {
	return f(ctx, c)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, r *routing.Request) (*routing.Request, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, r *routing.Request) (*routing.Request, error) {
	return f(ctx, r)
}

// ResponseHandlerFunc adapts a function to ResponseHandler.
type ResponseHandlerFunc func(ctx context.Context, r *routing.Response) (*routing.Response, error)

func (f ResponseHandlerFunc) HandleResponse(ctx context.Context, r *routing.Response) (*routing.Response, error) {
	return f(ctx, r)
}

// SendResponse injects a response into the response chain.
type SendResponse func(ctx context.Context, r *routing.Response)

// ResponseSenderAware is implemented by plugins that answer requests
// themselves, such as caches.
type ResponseSenderAware interface {
	SetResponseSender(send SendResponse)
}

// Classes lists the event classes p has handlers for, in chain order.
func Classes(p any) []EventClass {
	var classes []EventClass
	if _, ok := p.(ConnectionHandler); ok {
		classes = append(classes, Connection)
	}
	if _, ok := p.(RequestHandler); ok {
		classes = append(classes, Request)
	}
	if _, ok := p.(ResponseHandler); ok {
		classes = append(classes, Response)
	}
	return classes
}

// Supports reports whether p has a handler for class.
func Supports(p any, class EventClass) bool {
	switch class {
	case Connection:
		_, ok := p.(ConnectionHandler)
		return ok
	case Request:
		_, ok := p.(RequestHandler)
		return ok
	case Response:
		_, ok := p.(ResponseHandler)
		return ok
	default:
		return false
	}
}
