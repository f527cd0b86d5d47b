package runtime

import (
	"encoding/json"
	"strconv"
	"strings"

	"pincer/pkg/bus"
	providertypes "pincer/pkg/provider/types"
)

// PromptResultFromOutbound reconstructs the turn result that the agent
// loop flattened into bus metadata. Usage parses back to nil when every
// counter is zero, matching what the loop publishes.
func PromptResultFromOutbound(outbound bus.OutboundMessage) providertypes.PromptResult {
	result := providertypes.PromptResult{Text: outbound.Content}
	if outbound.Metadata == nil {
		return result
	}

	usage := &providertypes.TokenUsage{
		InputTokens:         parseInt64(outbound.Metadata[bus.UsageInputTokensKey]),
		OutputTokens:        parseInt64(outbound.Metadata[bus.UsageOutputTokensKey]),
		TotalTokens:         parseInt64(outbound.Metadata[bus.UsageTotalTokensKey]),
		ReasoningTokens:     parseInt64(outbound.Metadata[bus.UsageReasoningTokensKey]),
		CacheCreationTokens: parseInt64(outbound.Metadata[bus.UsageCacheCreateTokensKey]),
		CacheReadTokens:     parseInt64(outbound.Metadata[bus.UsageCacheReadTokensKey]),
	}
	if usage.IsZero() {
		usage = nil
	}

	result.Metadata.Usage = usage
	if raw, ok := outbound.Metadata[bus.ToolEventsJSONKey]; ok {
		result.Metadata.ToolEvents = parseToolEvents(raw)
	}

	return result
}

func parseToolEvents(raw string) []providertypes.ToolEvent {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var events []providertypes.ToolEvent
	if err := json.Unmarshal([]byte(trimmed), &events); err != nil {
		return nil
	}

	if len(events) == 0 {
		return nil
	}

	return events
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}

	return parsed
}
