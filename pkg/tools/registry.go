package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	providertypes "pincer/pkg/provider/types"
)

func registryLogger() *slog.Logger {
	return slog.Default().With("component", "tools")
}

// Registry holds the tools exposed to the model during one agent loop. It is
// the single execution gate: every invocation passes through Execute, which
// validates arguments and contains panics so the loop always receives a
// printable result.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Registering the same name again replaces the earlier
// tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name()] = tool
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames()
}

// Definitions returns the function-calling description of every registered
// tool, sorted by name. Stable ordering keeps provider prompt caches warm
// across turns.
func (r *Registry) Definitions() []providertypes.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providertypes.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		defs = append(defs, Definition(r.tools[name]))
	}

	return defs
}

// sortedNames must be called with the lock held.
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Execute runs a registered tool and always returns a printable result. An
// unknown name, invalid arguments, or a panicking tool all come back as an
// error string the model can read; Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found", name)
	}

	log := registryLogger()
	start := time.Now()

	providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{
		Kind:    "call",
		Tool:    name,
		Payload: eventPayload(args),
	})
	log.Debug("Tool execution started", "tool", name)

	defer func() {
		if v := recover(); v != nil {
			result = fmt.Sprintf("Error executing %s: %v", name, v)
			log.Error("Tool execution panicked", "tool", name, "panic", v)
		}

		elapsed := time.Since(start)
		providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{
			Kind:       "result",
			Tool:       name,
			Payload:    result,
			DurationMs: elapsed.Milliseconds(),
		})
		log.Debug("Tool execution completed",
			"tool", name,
			"duration_ms", elapsed.Milliseconds(),
		)
	}()

	if errs := ValidateArgs(tool.Schema(), args); len(errs) > 0 {
		return fmt.Sprintf("Error: Invalid parameters for tool '%s': %s", name, strings.Join(errs, "; "))
	}

	return tool.Execute(ctx, args)
}
