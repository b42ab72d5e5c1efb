// Package frontend defines how client-facing transports plug into the gateway.
//
// A frontend turns its transport's sessions into [routing.Connection] values
// and its inbound messages into [routing.Request] values, handing both to the
// callbacks it receives in Enable. The error each callback returns tells the
// frontend what to show the client:
//
//   - nil: admitted; responses arrive later through the connection's transport.
//   - [ErrDropped]: nothing to show. Connection-level drops close the session.
//   - *[ClientError]: show Message. Connection-level errors then close the session.
//
// Implementations live in the httpfrontend and wsfrontend subpackages.
package frontend
