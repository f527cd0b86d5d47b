package runtime

import (
	"context"
	"log/slog"
	"time"

	"pincer/pkg/bus"
)

// observeAgentEvents logs the bus event stream. The subscription is
// buffered and the bus drops events for slow subscribers rather than
// block publishers, so logging here can never stall a turn.
func observeAgentEvents(ctx context.Context, messageBus *bus.MessageBus) {
	log := slog.Default().With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

// logEvent keeps a stable attribute set across event types so logs stay
// easy to grep and correlate by request or session identifiers.
func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"chat_id", event.ChatID,
		"session_key", event.SessionKey,
		"at", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventPromptFailed:
		log.Error("Agent event", append(attrs, "error", event.Error)...)
	case bus.EventPromptReceived, bus.EventPromptCompleted,
		bus.EventSubagentSpawned, bus.EventSubagentFinished:
		log.Info("Agent event", attrs...)
	default:
		log.Debug("Agent event", attrs...)
	}
}
