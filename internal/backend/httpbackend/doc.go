// Package httpbackend forwards requests to an HTTP service and relays its
// replies.
package httpbackend
