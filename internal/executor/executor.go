package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"chronflow/internal/domain"
	"chronflow/internal/engine"
)

// Handler executes one kind of task payload.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Registry maps a task's executor name to its handler.
type Registry map[string]Handler

// Runner adapts the registry to the coordinator's callback. An unknown
// executor name is an ordinary execution error: it lands in the task's run
// status instead of aborting the trigger path.
func (r Registry) Runner() engine.Runner {
	return func(ctx context.Context, t domain.Task) error {
		h, ok := r[t.Executor]
		if !ok {
			return fmt.Errorf("no executor registered for %q", t.Executor)
		}
		return h.Handle(ctx, t.Payload)
	}
}

// Known reports whether name resolves to a registered handler.
func (r Registry) Known(name string) bool {
	_, ok := r[name]
	return ok
}
