// ABOUTME: Connection plugin that authenticates a session from a client token
// ABOUTME: Strict mode rejects missing or invalid tokens; tolerant mode admits them anonymously

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

// InvalidTokenMessage is the rejection sent in strict mode.
const InvalidTokenMessage = "Invalid Authentication Token"

// TokenSource extracts a token from a new connection. It returns "" when the
// connection carries none.
type TokenSource func(c *routing.Connection) string

// FromQuery reads the token from a query parameter of the connection URL.
func FromQuery(name string) TokenSource {
	return func(c *routing.Connection) string {
		if c.Location == nil {
			return ""
		}
		return c.Location.Query().Get(name)
	}
}

// FromHeader reads the token from a request header, dropping a Bearer scheme.
func FromHeader(name string) TokenSource {
	return func(c *routing.Connection) string {
		return bearerToken(c.Headers.Get(name))
	}
}

// FromCookie reads the token from a cookie.
func FromCookie(name string) TokenSource {
	return func(c *routing.Connection) string {
		r := &http.Request{Header: c.Headers}
		cookie, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return cookie.Value
	}
}

func bearerToken(v string) string {
	const prefix = "Bearer "
	if len(v) >= len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return strings.TrimSpace(v)
}

// Authenticator sets Connection.UserID from a verified token.
type Authenticator struct {
	verifier TokenVerifier
	source   TokenSource
	strict   bool
	logger   *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSource replaces the default source, the "token" query parameter.
func WithSource(src TokenSource) Option {
	return func(a *Authenticator) { a.source = src }
}

// WithStrict makes missing or invalid tokens reject the connection.
func WithStrict(strict bool) Option {
	return func(a *Authenticator) { a.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// NewAuthenticator creates an authenticator that checks tokens with v.
func NewAuthenticator(v TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: v,
		source:   FromQuery("token"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "auth")
	return a
}

// HandleConnection authenticates c. A valid token sets the user id, which
// stays trusted for the life of the connection.
func (a *Authenticator) HandleConnection(_ context.Context, c *routing.Connection) (*routing.Connection, error) {
	token := a.source(c)
	if token == "" {
		return a.unauthenticated(c, "missing token", nil)
	}

	userID, err := a.verifier.Verify(token)
	if err != nil {
		return a.unauthenticated(c, "invalid token", err)
	}

	c.SetUserID(userID)
	a.logger.Debug("connection authenticated", "connection_id", c.ID(), "user_id", userID)
	return nil, nil
}

func (a *Authenticator) unauthenticated(c *routing.Connection, reason string, err error) (*routing.Connection, error) {
	a.logger.Debug("connection not authenticated",
		"connection_id", c.ID(),
		"reason", reason,
		"strict", a.strict,
		"error", err)
	if a.strict {
		return nil, plugin.Reject(InvalidTokenMessage)
	}
	return nil, nil
}
