// Package routing defines the values that flow through the gateway.
//
// A [Connection] is created by a frontend for every client session and lives
// until its transport closes. Each inbound message becomes a [Request] bound
// to that connection, and everything sent back is a [Response]. Responses
// carry the id of the request they answer; a response with no request id is
// a push to the connection's user.
//
// Payloads are schema-agnostic: see [Payload].
package routing
