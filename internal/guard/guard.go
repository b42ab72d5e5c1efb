// ABOUTME: Request rule rejecting anonymous clients that set a field to a protected value
// ABOUTME: Authenticated connections always pass

package guard

import (
	"context"
	"fmt"

	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/routing"
)

// Rule requires login for requests whose Field equals Value.
type Rule struct {
	Field   string
	Value   string
	Message string
}

// New creates a rule. An empty message defaults to
// "Please login to set your <field> to <value>!".
func New(field, value, message string) *Rule {
	if message == "" {
		message = fmt.Sprintf("Please login to set your %s to %s!", field, value)
	}
	return &Rule{Field: field, Value: value, Message: message}
}

// HandleRequest rejects anonymous requests matching the rule.
func (g *Rule) HandleRequest(_ context.Context, r *routing.Request) (*routing.Request, error) {
	if r.Connection.Authenticated() {
		return nil, nil
	}
	if r.Payload.String(g.Field) == g.Value {
		return nil, plugin.Reject(g.Message)
	}
	return nil, nil
}
