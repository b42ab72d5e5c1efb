// Package wsfrontend serves WebSocket clients.
//
// A socket is admitted through the connection chain once the handshake
// completes. A rejected socket receives {"error": "<message>"} and is
// closed. On an admitted socket every text frame must be JSON; anything
// else is answered with "Message Not JSON". Each frame becomes a request
// handled on its own goroutine, so replies may arrive out of order.
// Request errors are sent as {"error": "<message>"} and leave the socket
// open.
package wsfrontend
