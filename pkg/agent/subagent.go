package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pincer/pkg/agent/profile"
	"pincer/pkg/bus"
	"pincer/pkg/provider"
	"pincer/pkg/provider/types"
	"pincer/pkg/tools"
)

const subagentFallback = "Task completed but no final response was generated."

// SubagentManager runs background tasks on lightweight agent instances.
// Each subagent gets a focused system prompt, a restricted tool registry
// (no message, no spawn) and its own iteration budget; it shares the
// provider client with the main loop but none of its conversation state.
// Completion is announced as a synthetic system message on the bus, which
// the main loop summarizes back to the originating chat.
type SubagentManager struct {
	client        provider.Client
	model         string
	workspace     string
	bus           *bus.MessageBus
	registry      *tools.Registry
	maxIterations int
	opts          types.ChatOptions
	logger        *slog.Logger

	mu      sync.Mutex
	running map[string]string
	wg      sync.WaitGroup
}

func NewSubagentManager(
	client provider.Client,
	model string,
	workspaceRoot string,
	mb *bus.MessageBus,
	registry *tools.Registry,
	maxIterations int,
	opts types.ChatOptions,
) *SubagentManager {
	return &SubagentManager{
		client:        client,
		model:         strings.TrimSpace(model),
		workspace:     workspaceRoot,
		bus:           mb,
		registry:      registry,
		maxIterations: maxIterations,
		opts:          opts,
		logger:        slog.Default().With("component", "subagent"),
		running:       make(map[string]string),
	}
}

// Spawn launches a background task and returns immediately with a status
// line for the model. The completion announcement routes to origin.
func (m *SubagentManager) Spawn(ctx context.Context, task, label string, origin tools.Route) string {
	taskID := uuid.NewString()[:8]
	displayLabel := label
	if displayLabel == "" {
		displayLabel = truncateLabel(task, 30)
	}

	m.mu.Lock()
	m.running[taskID] = displayLabel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runTask(taskID, task, displayLabel, origin)

	m.logger.Info("spawned subagent", "task_id", taskID, "label", displayLabel)
	m.bus.PublishEvent(ctx, bus.Event{
		Type:    bus.EventSubagentSpawned,
		Channel: origin.Channel,
		ChatID:  origin.ChatID,
		Payload: map[string]string{"task_id": taskID, "label": displayLabel},
	})

	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", displayLabel, taskID)
}

// RunningCount reports how many subagents are currently in flight.
func (m *SubagentManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.running)
}

// Stop waits for in-flight tasks until ctx expires.
func (m *SubagentManager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subagents still running: %w", ctx.Err())
	}
}

func (m *SubagentManager) runTask(taskID, task, label string, origin tools.Route) {
	defer m.wg.Done()

	status := "error"
	result := ""

	// The task must leave the live set and announce exactly once, even
	// when the model call or a tool panics.
	defer func() {
		if r := recover(); r != nil {
			status = "error"
			result = fmt.Sprintf("Error: panic: %v", r)
			m.logger.Error("subagent panicked", "task_id", taskID, "panic", r)
		}

		m.mu.Lock()
		delete(m.running, taskID)
		m.mu.Unlock()

		m.announce(taskID, task, label, origin, status, result)
	}()

	m.logger.Info("subagent starting", "task_id", taskID, "label", label)

	output, err := m.execute(context.Background(), task)
	if err != nil {
		result = "Error: " + err.Error()
		m.logger.Error("subagent failed", "task_id", taskID, "error", err)
		return
	}

	status = "ok"
	result = output
	m.logger.Info("subagent completed", "task_id", taskID)
}

func (m *SubagentManager) execute(ctx context.Context, task string) (string, error) {
	systemPrompt, err := m.systemPrompt(task)
	if err != nil {
		return "", err
	}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: systemPrompt},
		{Role: types.RoleUser, Content: task},
	}

	for iteration := 0; iteration < m.maxIterations; iteration++ {
		response, err := m.client.Chat(ctx, messages, m.registry.Definitions(), m.model, m.opts)
		if err != nil {
			return "", err
		}

		if !response.HasToolCalls() {
			return response.Content, nil
		}

		messages = AppendAssistantTurn(messages, response.Content, response.ToolCalls)
		for _, call := range response.ToolCalls {
			m.logger.Debug("subagent tool call", "tool", call.Name)
			result := m.registry.Execute(ctx, call.Name, call.Arguments)
			messages = AppendToolResult(messages, call.ID, call.Name, result)
		}
	}

	return subagentFallback, nil
}

func (m *SubagentManager) systemPrompt(task string) (string, error) {
	template, err := profile.ResolveSystemProfile(profile.Subagent)
	if err != nil {
		return "", err
	}

	return profile.Render(template, map[string]string{
		"task":      task,
		"workspace": m.workspace,
	}), nil
}

func (m *SubagentManager) announce(taskID, task, label string, origin tools.Route, status, result string) {
	statusText := "completed successfully"
	if status != "ok" {
		statusText = "failed"
	}

	content := fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like "subagent" or task IDs.`,
		label, statusText, task, result)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok := m.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent",
		ChatID:   origin.Channel + ":" + origin.ChatID,
		Content:  content,
	})
	if !ok {
		m.logger.Warn("failed to announce subagent result", "task_id", taskID)
		return
	}

	m.bus.PublishEvent(ctx, bus.Event{
		Type:    bus.EventSubagentFinished,
		Channel: origin.Channel,
		ChatID:  origin.ChatID,
		Payload: map[string]string{"task_id": taskID, "label": label, "status": status},
	})
	m.logger.Debug("subagent result announced", "task_id", taskID, "origin", origin.Channel+":"+origin.ChatID)
}

func truncateLabel(task string, limit int) string {
	runes := []rune(task)
	if len(runes) <= limit {
		return task
	}

	return string(runes[:limit]) + "..."
}

// SpawnTool exposes the subagent manager to the model. The completion
// announcement targets the turn's route, defaulting to the local CLI.
type SpawnTool struct {
	manager *SubagentManager
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string {
	return "spawn"
}

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to handle a task in the background. Use for complex or long-running work that can proceed independently. The subagent completes the task and reports the result back when done."
}

func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete",
				"minLength":   1,
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task (for display)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) string {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)

	origin := tools.Route{Channel: "cli", ChatID: "direct"}
	if route, ok := tools.RouteFromContext(ctx); ok {
		origin = route
	}

	return t.manager.Spawn(ctx, task, label, origin)
}
