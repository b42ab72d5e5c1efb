// ABOUTME: Holds responses injected during a request chain until that chain resolves
// ABOUTME: Keeps a request's own responses from overtaking its chain outcome

package pipeline

import (
	"context"
	"sync"

	"github.com/2389/relaygate/internal/routing"
)

type outboxKey struct{}

type outbox struct {
	mu     sync.Mutex
	held   []*routing.Response
	sealed bool
}

func withOutbox(ctx context.Context, box *outbox) context.Context {
	return context.WithValue(ctx, outboxKey{}, box)
}

// hold queues r unless the outbox has been sealed.
func (b *outbox) hold(r *routing.Response) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.held = append(b.held, r)
	return true
}

// seal stops further holds and returns what was queued, in order.
func (b *outbox) seal() []*routing.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	held := b.held
	b.held = nil
	return held
}
