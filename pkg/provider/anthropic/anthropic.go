package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"pincer/pkg/config"
	"pincer/pkg/provider/types"

	asdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-sonnet-4.6"
	defaultMaxTokens = 4096
)

type Client struct {
	client         asdk.Client
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.Anthropic
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.anthropic.api_key is required or ANTHROPIC_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         asdk.NewClient(opts...),
		requestTimeout: requestTimeout,
	}, nil
}

func (c *Client) DefaultModel() string {
	return defaultModel
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx, asdk.ModelListParams{}); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Chat performs one messages-API round. Tool use requested by the model is
// returned to the caller unexecuted.
func (c *Client) Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition, model string, opts types.ChatOptions) (*types.ChatResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "chat")
	startedAt := time.Now()

	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	normalizedModel, err := normalizeModel(model)
	if err != nil {
		return nil, err
	}
	log.Debug("provider request started",
		"model", normalizedModel,
		"messages", len(messages),
		"tools", len(tools),
	)

	params := buildParams(messages, tools, normalizedModel, opts)

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("chat failed: %w", err)
	}

	result := parseResponse(resp)
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"finish_reason", result.FinishReason,
		"tool_calls", len(result.ToolCalls),
	)

	return result, nil
}

// buildParams converts neutral messages into Anthropic wire form. All
// consecutive tool results are merged into a single user message because the
// API requires every tool_result for an assistant tool_use turn to arrive
// in the one user message that follows it.
func buildParams(messages []types.Message, tools []types.ToolDefinition, model string, opts types.ChatOptions) asdk.MessageNewParams {
	var system []asdk.TextBlockParam
	var wire []asdk.MessageParam

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case types.RoleSystem:
			system = append(system, asdk.TextBlockParam{Text: types.ContentToString(msg.Content)})
		case types.RoleAssistant:
			wire = append(wire, buildAssistantMessage(msg))
		case types.RoleTool:
			var toolBlocks []asdk.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == types.RoleTool {
				toolBlocks = append(toolBlocks,
					asdk.NewToolResultBlock(messages[i].ToolCallID, types.ContentToString(messages[i].Content), false))
				i++
			}
			i--
			wire = append(wire, asdk.NewUserMessage(toolBlocks...))
		default:
			wire = append(wire, asdk.NewUserMessage(userBlocks(msg)...))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := asdk.MessageNewParams{
		Model:     asdk.Model(model),
		Messages:  wire,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = asdk.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}

	return params
}

func userBlocks(msg types.Message) []asdk.ContentBlockParamUnion {
	parts, ok := msg.Content.([]types.ContentPart)
	if !ok {
		return []asdk.ContentBlockParamUnion{asdk.NewTextBlock(types.ContentToString(msg.Content))}
	}

	blocks := make([]asdk.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "image_url":
			if mediaType, data, ok := parseDataURL(part.ImageURL); ok {
				blocks = append(blocks, asdk.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, asdk.NewTextBlock(fmt.Sprintf("[image: %s]", part.ImageURL)))
			}
		default:
			blocks = append(blocks, asdk.NewTextBlock(part.Text))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, asdk.NewTextBlock(""))
	}
	return blocks
}

func buildAssistantMessage(msg types.Message) asdk.MessageParam {
	if len(msg.ToolCalls) == 0 {
		return asdk.NewAssistantMessage(asdk.NewTextBlock(types.ContentToString(msg.Content)))
	}

	var blocks []asdk.ContentBlockParamUnion
	if text := types.ContentToString(msg.Content); text != "" {
		blocks = append(blocks, asdk.NewTextBlock(text))
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, asdk.NewToolUseBlock(tc.ID, args, tc.Name))
	}
	return asdk.NewAssistantMessage(blocks...)
}

func translateTools(tools []types.ToolDefinition) []asdk.ToolUnionParam {
	result := make([]asdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := asdk.ToolParam{
			Name: t.Name,
			InputSchema: asdk.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = asdk.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = req
		}
		result = append(result, asdk.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *asdk.Message) *types.ChatResponse {
	var content string
	var toolCalls []types.ToolCall

	log := providerLogger()
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				log.Warn("Failed to decode tool use input", "tool", tu.Name, "error", err)
				args = map[string]any{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case asdk.StopReasonToolUse:
		finishReason = "tool_calls"
	case asdk.StopReasonMaxTokens:
		finishReason = "length"
	case asdk.StopReasonEndTurn:
		finishReason = "stop"
	}

	return &types.ChatResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &types.TokenUsage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
}

// parseDataURL splits a base64 data URL into media type and payload.
func parseDataURL(url string) (mediaType string, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}

	rest := strings.TrimPrefix(url, "data:")
	head, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(head, ";base64") {
		return "", "", false
	}

	mediaType = strings.TrimSuffix(head, ";base64")
	if mediaType == "" || payload == "" {
		return "", "", false
	}

	return mediaType, payload, true
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.anthropic")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.AnthropicProviderConfig) string {
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		return apiKey
	}

	return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "anthropic" {
		return "", fmt.Errorf("model provider %q is not supported by anthropic provider", providerID)
	}

	return modelID, nil
}
