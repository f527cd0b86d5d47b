package tools

import (
	"context"
	"encoding/json"
	"fmt"

	providertypes "pincer/pkg/provider/types"
)

// Tool is the contract every agent capability implements. Execute returns a
// human-readable string in all cases: successful output, or an error
// description the model can act on. Expected failures (missing file, denied
// command) are reported in the string, not raised; the registry contains
// anything that still panics.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) string
}

// Route identifies the conversation a tool invocation belongs to. Stateful
// tools (message, spawn) read it from the context each turn instead of
// holding mutable channel fields.
type Route struct {
	Channel  string
	ChatID   string
	SenderID string
}

type routeKey struct{}

// WithRoute returns a context carrying the current turn's delivery route.
func WithRoute(ctx context.Context, route Route) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFromContext returns the delivery route carried by the context.
func RouteFromContext(ctx context.Context) (Route, bool) {
	if ctx == nil {
		return Route{}, false
	}

	route, ok := ctx.Value(routeKey{}).(Route)
	return route, ok
}

// Definition renders one tool in the OpenAI function-calling wire shape.
func Definition(t Tool) providertypes.ToolDefinition {
	return providertypes.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

func eventPayload(args map[string]any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}

	return string(payload)
}
