package types

import (
	"fmt"
	"strings"
)

// Conversation roles shared by all provider clients.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a model conversation. Content is either a plain
// string or a []ContentPart when the turn carries inline media.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ContentPart is one segment of a multipart message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ContentToString flattens message content into plain text. Image parts
// contribute a short placeholder so transcripts stay readable.
func ContentToString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []ContentPart:
		var b strings.Builder
		for _, part := range v {
			if part.Type == "text" {
				b.WriteString(part.Text)
			} else {
				b.WriteString("[image]")
			}
		}
		return b.String()
	case []any:
		var b strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
					continue
				}
			}
			b.WriteString(fmt.Sprint(item))
		}
		return b.String()
	default:
		return fmt.Sprint(v)
	}
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition describes one callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Wire returns the OpenAI-style function wrapper used as the exchange
// format for tool definitions.
func (d ToolDefinition) Wire() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		},
	}
}

// ChatResponse is the normalized reply from one model call.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *TokenUsage
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ChatOptions carries optional per-call model knobs.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
}

// PromptResult is the normalized end-of-turn payload surfaced to local UIs.
type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

// PromptMetadata carries provider/model identity and optional usage accounting.
type PromptMetadata struct {
	Provider   string
	Model      string
	Agent      string
	Usage      *TokenUsage
	ToolEvents []ToolEvent
}

// ToolEvent records one tool call or result observed during a prompt.
// Payload holds the argument summary for calls and the (possibly
// truncated) output for results.
type ToolEvent struct {
	Kind       string `json:"kind"`
	Tool       string `json:"tool"`
	Payload    string `json:"payload,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if u == nil || other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}
