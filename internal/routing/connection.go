// ABOUTME: Transport-independent client session shared by frontends, plugins and backends
// ABOUTME: Carries request metadata, plugin scratch data, the authenticated user and close hooks

package routing

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned when sending on a connection whose
// transport has already gone away.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the frontend-owned half of a connection: how to deliver a
// payload to the client and how to hang up.
type Transport interface {
	Send(ctx context.Context, p Payload) error
	Close() error
}

// Connection is one client session. Frontends create it, the pipeline and
// backends only hold references to it.
type Connection struct {
	id        string
	transport Transport

	// Headers are the headers of the request that opened the session.
	Headers http.Header
	// Location is the URL the session was opened on.
	Location *url.URL
	// RemoteIP is the resolved client address.
	RemoteIP string

	mu     sync.RWMutex
	userID string
	data   map[string]any
	hooks  []func(*Connection)

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a connection with a fresh id.
func NewConnection(t Transport, headers http.Header, location *url.URL, remoteIP string) *Connection {
	if headers == nil {
		headers = http.Header{}
	}
	if location == nil {
		location = &url.URL{}
	}
	return &Connection{
		id:        uuid.New().String(),
		transport: t,
		Headers:   headers,
		Location:  location,
		RemoteIP:  remoteIP,
		data:      make(map[string]any),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated user id, or "" when unauthenticated.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetUserID records the authenticated user for the rest of the session.
func (c *Connection) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// Authenticated reports whether a user id has been set.
func (c *Connection) Authenticated() bool {
	return c.UserID() != ""
}

// Get reads a plugin scratch value.
func (c *Connection) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set stores a plugin scratch value.
func (c *Connection) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Send delivers a payload through the transport.
func (c *Connection) Send(ctx context.Context, p Payload) error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	return c.transport.Send(ctx, p)
}

// Close hangs up the transport and runs close hooks.
func (c *Connection) Close() error {
	err := c.transport.Close()
	c.MarkClosed()
	return err
}

// MarkClosed records that the transport is gone and runs the close hooks.
// Frontends call it when the peer disconnects. Only the first call has an
// effect.
func (c *Connection) MarkClosed() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		for _, fn := range hooks {
			fn(c)
		}
	})
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// OnClose registers fn to run once the connection closes. If it already
// has, fn runs immediately.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.Closed() {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}
