package provider

import (
	"context"
	"fmt"
	"log/slog"

	"pincer/pkg/config"
	provideranthropic "pincer/pkg/provider/anthropic"
	provideropenai "pincer/pkg/provider/openai"
	providertypes "pincer/pkg/provider/types"
)

// Client is the model interface the agent loop drives. Chat returns the
// model's reply with any requested tool calls unexecuted; retries are the
// caller's concern.
type Client interface {
	Chat(ctx context.Context, messages []providertypes.Message, tools []providertypes.ToolDefinition, model string, opts providertypes.ChatOptions) (*providertypes.ChatResponse, error)
	Health(ctx context.Context) error
	DefaultModel() string
}

func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Agents.Defaults.Provider
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "anthropic":
		return provideranthropic.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
