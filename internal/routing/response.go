// ABOUTME: Payload destined for a connection, optionally answering a prior request
// ABOUTME: A response without a request id is an unsolicited push

package routing

// Response is a payload bound for a connection. RequestID is empty for
// pushes that answer no particular request.
type Response struct {
	Connection *Connection
	Payload    Payload
	RequestID  string
}

// NewResponse creates a response for conn.
func NewResponse(conn *Connection, p Payload, requestID string) *Response {
	return &Response{
		Connection: conn,
		Payload:    p,
		RequestID:  requestID,
	}
}

// IsPush reports whether the response answers no request.
func (r *Response) IsPush() bool {
	return r.RequestID == ""
}

// WithPayload returns a copy carrying p.
func (r *Response) WithPayload(p Payload) *Response {
	return &Response{
		Connection: r.Connection,
		Payload:    p,
		RequestID:  r.RequestID,
	}
}
