package types

import (
	"context"
	"strings"
)

type toolEventHandlerKey struct{}

// ToolEventHandler receives the tool events the registry emits while a
// turn executes.
type ToolEventHandler func(event ToolEvent)

// WithToolEventHandler returns a context carrying a tool event handler.
// The agent loop installs one per turn to collect the turn's tool trace.
func WithToolEventHandler(ctx context.Context, handler ToolEventHandler) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if handler == nil {
		return ctx
	}

	return context.WithValue(ctx, toolEventHandlerKey{}, handler)
}

// EmitToolEvent delivers one normalized tool event to the context's
// handler. Without a handler the event is dropped; emission must never
// burden tool execution.
func EmitToolEvent(ctx context.Context, event ToolEvent) {
	if ctx == nil {
		return
	}

	handler, ok := ctx.Value(toolEventHandlerKey{}).(ToolEventHandler)
	if !ok || handler == nil {
		return
	}

	event.Kind = strings.TrimSpace(event.Kind)
	event.Tool = strings.TrimSpace(event.Tool)
	event.Payload = strings.TrimSpace(event.Payload)
	handler(event)
}
