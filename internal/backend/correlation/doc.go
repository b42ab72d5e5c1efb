// Package correlation matches asynchronous backend replies to connections.
//
// Outbound requests are stamped with the request id, connection id, user id
// and gateway instance id ([Stamp]). Inbound messages are parsed back into an
// [Envelope] and resolved by a [Registry]: a connection id addresses one
// connection, a bare user id addresses every open connection of that user.
package correlation
