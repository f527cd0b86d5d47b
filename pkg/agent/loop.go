package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"pincer/pkg/bus"
	"pincer/pkg/provider"
	"pincer/pkg/provider/types"
	"pincer/pkg/session"
	"pincer/pkg/tools"
)

const (
	directFallback   = "I've completed processing but have no response to give."
	systemFallback   = "Background task completed."
	heartbeatSender  = "heartbeat"
	heartbeatOKToken = "HEARTBEAT_OK"
)

// LoopDeps carries the collaborators of an AgentLoop.
type LoopDeps struct {
	Bus           *bus.MessageBus
	Client        provider.Client
	Model         string
	Sessions      *session.Store
	Registry      *tools.Registry
	Context       *ContextBuilder
	MaxIterations int
	ChatOptions   types.ChatOptions
}

// AgentLoop consumes inbound messages and drives the think/act cycle:
// build context, call the model, execute requested tools, repeat until
// the model answers in plain text or the iteration budget runs out.
// Each message is handled on its own goroutine; a per-session gate keeps
// turns for the same session strictly ordered.
type AgentLoop struct {
	bus           *bus.MessageBus
	client        provider.Client
	model         string
	sessions      *session.Store
	registry      *tools.Registry
	context       *ContextBuilder
	maxIterations int
	opts          types.ChatOptions
	logger        *slog.Logger

	gate *sessionGate
	wg   sync.WaitGroup
}

func NewAgentLoop(deps LoopDeps) *AgentLoop {
	return &AgentLoop{
		bus:           deps.Bus,
		client:        deps.Client,
		model:         strings.TrimSpace(deps.Model),
		sessions:      deps.Sessions,
		registry:      deps.Registry,
		context:       deps.Context,
		maxIterations: deps.MaxIterations,
		opts:          deps.ChatOptions,
		logger:        slog.Default().With("component", "agent"),
	}
}

// turn is the resolved routing for one inbound message. System messages
// carry their origin pair inside ChatID; everything else routes back to
// where it came from.
type turn struct {
	Channel    string
	ChatID     string
	SessionKey string
	UserTurn   string
	Fallback   string
	RequestID  string
	Sender     string
}

// Run consumes inbound messages until ctx is canceled or the bus closes.
// In-flight turns finish before Run returns; cancellation stops intake,
// not work already accepted.
func (l *AgentLoop) Run(ctx context.Context) {
	if l.gate == nil {
		l.gate = newSessionGate()
	}

	l.logger.Info("agent loop started", "model", l.model)

	handleCtx := context.WithoutCancel(ctx)
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}

		l.wg.Add(1)
		go func(m bus.InboundMessage) {
			defer l.wg.Done()
			l.handle(handleCtx, m)
		}(msg)
	}

	l.wg.Wait()
	l.logger.Info("agent loop stopped")
}

// ProcessDirect runs one message synchronously, bypassing the bus. Used
// by tests and simple embedders; the CLI goes through the bus so that
// its transport semantics match the gateway.
func (l *AgentLoop) ProcessDirect(ctx context.Context, content string) (string, error) {
	if l.gate == nil {
		l.gate = newSessionGate()
	}

	msg := bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  content,
	}

	currentTurn := l.resolveTurn(msg)
	release := l.gate.acquire(currentTurn.SessionKey)
	defer release()

	result, err := l.process(ctx, msg, currentTurn)
	if err != nil {
		return "", err
	}

	return result.content, nil
}

func (l *AgentLoop) handle(ctx context.Context, msg bus.InboundMessage) {
	currentTurn := l.resolveTurn(msg)

	release := l.gate.acquire(currentTurn.SessionKey)
	defer release()

	l.bus.PublishEvent(ctx, bus.Event{
		Type:       bus.EventPromptReceived,
		Channel:    currentTurn.Channel,
		ChatID:     currentTurn.ChatID,
		SessionKey: currentTurn.SessionKey,
		RequestID:  currentTurn.RequestID,
		Payload:    map[string]string{"prompt_length": strconv.Itoa(len(msg.Content))},
	})

	result, err := l.process(ctx, msg, currentTurn)
	if err != nil {
		l.logger.Error("message processing failed", "session", currentTurn.SessionKey, "error", err)
		l.bus.PublishEvent(ctx, bus.Event{
			Type:       bus.EventPromptFailed,
			Channel:    currentTurn.Channel,
			ChatID:     currentTurn.ChatID,
			SessionKey: currentTurn.SessionKey,
			RequestID:  currentTurn.RequestID,
			Error:      err.Error(),
		})

		l.publishOutbound(ctx, bus.OutboundMessage{
			Channel:    currentTurn.Channel,
			ChatID:     currentTurn.ChatID,
			SessionKey: currentTurn.SessionKey,
			Content:    fmt.Sprintf("Sorry, I encountered an error: %v", err),
			Error:      err.Error(),
			Metadata:   requestMetadata(nil, currentTurn.RequestID),
		})
		return
	}

	l.bus.PublishEvent(ctx, bus.Event{
		Type:       bus.EventPromptCompleted,
		Channel:    currentTurn.Channel,
		ChatID:     currentTurn.ChatID,
		SessionKey: currentTurn.SessionKey,
		RequestID:  currentTurn.RequestID,
		Payload:    completedPayload(result),
	})

	if !result.deliver {
		l.logger.Debug("final send suppressed", "session", currentTurn.SessionKey)
		// Correlated requests still get exactly one reply. Empty content
		// marks that the text already went out through the message tool.
		if currentTurn.RequestID != "" {
			l.publishOutbound(ctx, bus.OutboundMessage{
				Channel:    currentTurn.Channel,
				ChatID:     currentTurn.ChatID,
				SessionKey: currentTurn.SessionKey,
				Metadata:   requestMetadata(bus.UsageMetadata(result.usage, result.toolEvents), currentTurn.RequestID),
			})
		}
		return
	}

	l.publishOutbound(ctx, bus.OutboundMessage{
		Channel:    currentTurn.Channel,
		ChatID:     currentTurn.ChatID,
		SessionKey: currentTurn.SessionKey,
		Content:    result.content,
		Metadata:   requestMetadata(bus.UsageMetadata(result.usage, result.toolEvents), currentTurn.RequestID),
	})
}

// turnResult is the outcome of one processed message.
type turnResult struct {
	content    string
	usage      *types.TokenUsage
	toolEvents []types.ToolEvent
	deliver    bool
}

func (l *AgentLoop) process(ctx context.Context, msg bus.InboundMessage, currentTurn turn) (turnResult, error) {
	l.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"session", currentTurn.SessionKey,
	)

	recorder := tools.NewSendRecorder()
	ctx = tools.WithRoute(ctx, tools.Route{
		Channel:  currentTurn.Channel,
		ChatID:   currentTurn.ChatID,
		SenderID: msg.SenderID,
	})
	ctx = tools.WithSendRecorder(ctx, recorder)

	var eventsMu sync.Mutex
	var toolEvents []types.ToolEvent
	ctx = types.WithToolEventHandler(ctx, func(event types.ToolEvent) {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		toolEvents = append(toolEvents, event)
	})

	history := l.sessions.History(currentTurn.SessionKey)
	messages := l.context.BuildMessages(history, msg.Content, msg.Media)

	usage := &types.TokenUsage{}
	final := ""
	answered := false

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		response, err := l.client.Chat(ctx, messages, l.registry.Definitions(), l.model, l.opts)
		if err != nil {
			return turnResult{}, err
		}
		usage.Add(response.Usage)

		if !response.HasToolCalls() {
			final = response.Content
			answered = true
			break
		}

		messages = AppendAssistantTurn(messages, response.Content, response.ToolCalls)
		for _, call := range response.ToolCalls {
			l.logger.Debug("executing tool", "tool", call.Name, "session", currentTurn.SessionKey)
			result := l.registry.Execute(ctx, call.Name, call.Arguments)
			messages = AppendToolResult(messages, call.ID, call.Name, result)
		}
	}

	if !answered {
		final = currentTurn.Fallback
	}

	l.sessions.AddMessage(currentTurn.SessionKey, types.RoleUser, currentTurn.UserTurn)
	l.sessions.AddMessage(currentTurn.SessionKey, types.RoleAssistant, final)
	if err := l.sessions.Save(currentTurn.SessionKey); err != nil {
		l.logger.Warn("failed to save session", "session", currentTurn.SessionKey, "error", err)
	}

	if usage.IsZero() {
		usage = nil
	}

	result := turnResult{content: final, usage: usage, toolEvents: toolEvents, deliver: true}

	// The model already pushed its reply to this route via the message
	// tool; a final send would arrive as a duplicate.
	if recorder.Sent(currentTurn.Channel, currentTurn.ChatID) {
		result.deliver = false
	}

	// Quiet heartbeat turns stay out of the chat channel.
	if currentTurn.Sender == heartbeatSender && strings.HasPrefix(strings.TrimSpace(final), heartbeatOKToken) {
		result.deliver = false
	}

	return result, nil
}

// resolveTurn decides where a message's reply goes and which session it
// belongs to. System messages encode origin as "channel:chat_id" in
// ChatID; without a separator the origin defaults to the local CLI.
func (l *AgentLoop) resolveTurn(msg bus.InboundMessage) turn {
	requestID := msg.Metadata[bus.RequestIDKey]

	if msg.Channel == bus.SystemChannel {
		originChannel := "cli"
		originChatID := msg.ChatID
		if before, after, found := strings.Cut(msg.ChatID, ":"); found {
			originChannel = before
			originChatID = after
		}

		return turn{
			Channel:    originChannel,
			ChatID:     originChatID,
			SessionKey: originChannel + ":" + originChatID,
			UserTurn:   fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
			Fallback:   systemFallback,
			RequestID:  requestID,
			Sender:     msg.SenderID,
		}
	}

	return turn{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.ResolveSessionKey(),
		UserTurn:   msg.Content,
		Fallback:   directFallback,
		RequestID:  requestID,
		Sender:     msg.SenderID,
	}
}

func (l *AgentLoop) publishOutbound(ctx context.Context, outbound bus.OutboundMessage) {
	if !l.bus.PublishOutbound(ctx, outbound) {
		l.logger.Warn("failed to publish outbound",
			"channel", outbound.Channel,
			"chat_id", outbound.ChatID,
		)
	}
}

func completedPayload(result turnResult) map[string]string {
	payload := map[string]string{
		"response_length": strconv.Itoa(len(result.content)),
	}
	if result.usage != nil {
		payload[bus.UsageInputTokensKey] = strconv.FormatInt(result.usage.InputTokens, 10)
		payload[bus.UsageOutputTokensKey] = strconv.FormatInt(result.usage.OutputTokens, 10)
		payload[bus.UsageTotalTokensKey] = strconv.FormatInt(result.usage.TotalTokens, 10)
	}

	return payload
}

func requestMetadata(metadata map[string]string, requestID string) map[string]string {
	if requestID == "" {
		return metadata
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[bus.RequestIDKey] = requestID

	return metadata
}
