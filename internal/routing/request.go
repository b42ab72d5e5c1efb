// ABOUTME: Inbound unit of work produced by a frontend for one client message
// ABOUTME: The request id stays stable across payload rewrites for later correlation

package routing

import "github.com/google/uuid"

// Request is one inbound message on a connection.
type Request struct {
	ID         string
	Connection *Connection
	Payload    Payload
}

// NewRequest creates a request with a fresh id.
func NewRequest(conn *Connection, p Payload) *Request {
	return &Request{
		ID:         uuid.New().String(),
		Connection: conn,
		Payload:    p,
	}
}

// WithPayload returns a copy carrying p. The id is preserved.
func (r *Request) WithPayload(p Payload) *Request {
	return &Request{
		ID:         r.ID,
		Connection: r.Connection,
		Payload:    p,
	}
}
