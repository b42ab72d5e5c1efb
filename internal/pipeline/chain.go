// ABOUTME: Sequential middleware chain evaluator producing one tagged outcome per item
// ABOUTME: Recovers handler panics so one faulty plugin cannot take down the pipeline

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/relaygate/internal/plugin"
)

// Kind tags the result of a chain.
type Kind int

const (
	// Continue: every handler passed; Item is the final item.
	Continue Kind = iota
	// Reject: a handler refused the item; Message is for the client.
	Reject
	// Drop: a handler stopped the chain silently.
	Drop
	// Fail: a handler errored or panicked; Err is for the logs only.
	Fail
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Reject:
		return "reject"
	case Drop:
		return "drop"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the single result of evaluating a chain for one item.
type Outcome[T any] struct {
	Kind    Kind
	Item    T
	Message string
	Err     error
}

// Handler is one step of a chain.
type Handler[T any] func(ctx context.Context, item T) (T, error)

// Evaluate runs handlers in order on item. Each handler sees the item left
// by the one before it. A zero return keeps the current item. The first
// handler to return an error ends the chain.
func Evaluate[T comparable](ctx context.Context, item T, handlers []Handler[T]) Outcome[T] {
	var zero T
	for i, h := range handlers {
		next, err := invoke(ctx, h, item)
		if err != nil {
			return resolve(item, i, err)
		}
		if next != zero {
			item = next
		}
	}
	return Outcome[T]{Kind: Continue, Item: item}
}

func invoke[T any](ctx context.Context, h Handler[T], item T) (next T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, item)
}

func resolve[T any](item T, index int, err error) Outcome[T] {
	var rej *plugin.Rejection
	switch {
	case errors.As(err, &rej):
		return Outcome[T]{Kind: Reject, Item: item, Message: rej.Message}
	case errors.Is(err, plugin.ErrDrop):
		return Outcome[T]{Kind: Drop, Item: item}
	default:
		return Outcome[T]{Kind: Fail, Item: item, Err: fmt.Errorf("handler %d: %w", index, err)}
	}
}
