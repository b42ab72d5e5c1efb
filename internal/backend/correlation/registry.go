// ABOUTME: Correlation tables for asynchronous backends: connection id and user id lookups
// ABOUTME: Entries are pruned by a close hook so replies never target a dead connection

package correlation

import (
	"log/slog"
	"sync"

	"github.com/2389/relaygate/internal/routing"
)

// Registry indexes admitted connections by id and by user. Connections
// remove themselves when they close.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*routing.Connection
	users  map[string]map[string]*routing.Connection // userID -> connID -> conn
	logger *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*routing.Connection),
		users:  make(map[string]map[string]*routing.Connection),
		logger: logger.With("component", "correlation"),
	}
}

// Track indexes c and arranges for it to be forgotten when it closes.
// Unauthenticated connections are reachable by id only.
func (r *Registry) Track(c *routing.Connection) {
	userID := c.UserID()

	r.mu.Lock()
	r.conns[c.ID()] = c
	if userID != "" {
		if _, ok := r.users[userID]; !ok {
			r.users[userID] = make(map[string]*routing.Connection)
		}
		r.users[userID][c.ID()] = c
	}
	r.mu.Unlock()

	r.logger.Debug("connection tracked", "connection_id", c.ID(), "user_id", userID)

	c.OnClose(r.Forget)
}

// Forget removes c from both tables.
func (r *Registry) Forget(c *routing.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID()]; !ok {
		return
	}
	delete(r.conns, c.ID())

	for userID, conns := range r.users {
		if _, ok := conns[c.ID()]; !ok {
			continue
		}
		delete(conns, c.ID())
		// Clean up empty user entries
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}

	r.logger.Debug("connection forgotten", "connection_id", c.ID())
}

// Connection looks up a tracked connection by id.
func (r *Registry) Connection(id string) (*routing.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// UserConnections returns every tracked connection for userID.
func (r *Registry) UserConnections(userID string) []*routing.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]*routing.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Route turns an inbound envelope into the responses it addresses. A
// connection id yields one response answering the envelope's request id; a
// bare user id yields one push per open connection of that user. Unknown
// ids yield nothing.
func (r *Registry) Route(env Envelope) []*routing.Response {
	if env.ConnectionID != "" {
		c, ok := r.Connection(env.ConnectionID)
		if !ok {
			r.logger.Debug("reply for unknown connection discarded",
				"connection_id", env.ConnectionID,
				"request_id", env.RequestID)
			return nil
		}
		return []*routing.Response{routing.NewResponse(c, env.Payload, env.RequestID)}
	}

	if env.UserID != "" {
		conns := r.UserConnections(env.UserID)
		out := make([]*routing.Response, 0, len(conns))
		for _, c := range conns {
			out = append(out, routing.NewResponse(c, env.Payload, ""))
		}
		if len(out) == 0 {
			r.logger.Debug("push for user with no connections discarded", "user_id", env.UserID)
		}
		return out
	}

	r.logger.Debug("message without correlation fields discarded")
	return nil
}
