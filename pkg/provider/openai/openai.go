package openai

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

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const defaultModel = "gpt-5.2"

type Client struct {
	client         osdk.Client
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
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

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Chat performs one chat-completions round. Tool calls requested by the
// model are returned to the caller unexecuted.
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

	params := osdk.ChatCompletionNewParams{
		Model:    normalizedModel,
		Messages: buildChatMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = buildChatTools(tools)
		params.ToolChoice.OfAuto = osdk.String(string(osdk.ChatCompletionToolChoiceOptionAutoAuto))
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = osdk.Opt(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = osdk.Opt(opts.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		var apiErr *osdk.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("chat failed (status %d): %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return nil, fmt.Errorf("chat failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return nil, errors.New("chat returned no choices")
	}

	choice := resp.Choices[0]
	result := &types.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    parseChoiceToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage:        mapUsage(resp.Usage),
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"finish_reason", result.FinishReason,
		"tool_calls", len(result.ToolCalls),
	)

	return result, nil
}

func buildChatMessages(messages []types.Message) []osdk.ChatCompletionMessageParamUnion {
	out := make([]osdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, osdk.SystemMessage(types.ContentToString(msg.Content)))
		case types.RoleAssistant:
			out = append(out, buildAssistantMessage(msg))
		case types.RoleTool:
			out = append(out, osdk.ToolMessage(types.ContentToString(msg.Content), msg.ToolCallID))
		default:
			out = append(out, buildUserMessage(msg))
		}
	}
	return out
}

func buildUserMessage(msg types.Message) osdk.ChatCompletionMessageParamUnion {
	parts, ok := msg.Content.([]types.ContentPart)
	if !ok {
		return osdk.UserMessage(types.ContentToString(msg.Content))
	}

	converted := make([]osdk.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "image_url":
			converted = append(converted, osdk.ImageContentPart(osdk.ChatCompletionContentPartImageImageURLParam{URL: part.ImageURL}))
		default:
			converted = append(converted, osdk.TextContentPart(part.Text))
		}
	}
	return osdk.UserMessage(converted)
}

func buildAssistantMessage(msg types.Message) osdk.ChatCompletionMessageParamUnion {
	assistant := osdk.ChatCompletionAssistantMessageParam{}
	if text := types.ContentToString(msg.Content); text != "" {
		assistant.Content.OfString = osdk.String(text)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Name == "" {
			continue
		}
		args := "{}"
		if len(tc.Arguments) > 0 {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				args = string(b)
			}
		}
		assistant.ToolCalls = append(assistant.ToolCalls, osdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &osdk.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: osdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: args,
				},
			},
		})
	}
	return osdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildChatTools(tools []types.ToolDefinition) []osdk.ChatCompletionToolUnionParam {
	out := make([]osdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: osdk.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}
		out = append(out, osdk.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseChoiceToolCalls(calls []osdk.ChatCompletionMessageToolCallUnion) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	log := providerLogger()
	result := make([]types.ToolCall, 0, len(calls))
	for _, call := range calls {
		switch v := call.AsAny().(type) {
		case osdk.ChatCompletionMessageFunctionToolCall:
			args := map[string]any{}
			if strings.TrimSpace(v.Function.Arguments) != "" {
				if err := json.Unmarshal([]byte(v.Function.Arguments), &args); err != nil {
					log.Warn("Failed to decode tool call arguments", "tool", v.Function.Name, "error", err)
				}
			}
			result = append(result, types.ToolCall{
				ID:        v.ID,
				Name:      v.Function.Name,
				Arguments: args,
			})
		}
	}
	return result
}

func mapUsage(usage osdk.CompletionUsage) *types.TokenUsage {
	if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	return &types.TokenUsage{
		InputTokens:     usage.PromptTokens,
		OutputTokens:    usage.CompletionTokens,
		TotalTokens:     usage.TotalTokens,
		ReasoningTokens: usage.CompletionTokensDetails.ReasoningTokens,
		CacheReadTokens: usage.PromptTokensDetails.CachedTokens,
	}
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		return apiKey
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
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
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
