package bus

import (
	"encoding/json"
	"strconv"

	providertypes "pincer/pkg/provider/types"
)

// Metadata keys attached to bus messages. RequestIDKey correlates a
// prompt round-trip; the usage keys flatten provider token accounting
// onto the outbound message so consumers do not need provider access.
const (
	RequestIDKey = "request_id"

	UsageInputTokensKey       = "usage_input_tokens"
	UsageOutputTokensKey      = "usage_output_tokens"
	UsageTotalTokensKey       = "usage_total_tokens"
	UsageReasoningTokensKey   = "usage_reasoning_tokens"
	UsageCacheCreateTokensKey = "usage_cache_creation_tokens"
	UsageCacheReadTokensKey   = "usage_cache_read_tokens"
	ToolEventsJSONKey         = "tool_events_json"
)

// UsageMetadata flattens usage counters and tool events into message
// metadata. Returns nil when there is nothing to carry.
func UsageMetadata(usage *providertypes.TokenUsage, events []providertypes.ToolEvent) map[string]string {
	if (usage == nil || usage.IsZero()) && len(events) == 0 {
		return nil
	}

	metadata := map[string]string{}
	if usage != nil && !usage.IsZero() {
		metadata[UsageInputTokensKey] = strconv.FormatInt(usage.InputTokens, 10)
		metadata[UsageOutputTokensKey] = strconv.FormatInt(usage.OutputTokens, 10)
		metadata[UsageTotalTokensKey] = strconv.FormatInt(usage.TotalTokens, 10)
		metadata[UsageReasoningTokensKey] = strconv.FormatInt(usage.ReasoningTokens, 10)
		metadata[UsageCacheCreateTokensKey] = strconv.FormatInt(usage.CacheCreationTokens, 10)
		metadata[UsageCacheReadTokensKey] = strconv.FormatInt(usage.CacheReadTokens, 10)
	}

	if len(events) > 0 {
		if payload, err := json.Marshal(events); err == nil {
			metadata[ToolEventsJSONKey] = string(payload)
		}
	}

	if len(metadata) == 0 {
		return nil
	}

	return metadata
}
