package tools

import (
	"context"
	"fmt"
	"sync"
)

// SendFunc delivers one outbound message to a chat channel.
type SendFunc func(ctx context.Context, channel string, chatID string, content string) error

// SendRecorder tracks which routes received a direct message during one
// agent turn. The loop consults it to suppress a duplicate final send when
// the model already delivered its answer through the message tool. One
// recorder lives per turn, carried in the context next to the Route.
type SendRecorder struct {
	mu   sync.Mutex
	sent map[string]bool
}

func NewSendRecorder() *SendRecorder {
	return &SendRecorder{sent: make(map[string]bool)}
}

func (r *SendRecorder) Record(channel, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent[channel+":"+chatID] = true
}

func (r *SendRecorder) Sent(channel, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sent[channel+":"+chatID]
}

type sendRecorderKey struct{}

// WithSendRecorder returns a context carrying the turn's send recorder.
func WithSendRecorder(ctx context.Context, recorder *SendRecorder) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if recorder == nil {
		return ctx
	}

	return context.WithValue(ctx, sendRecorderKey{}, recorder)
}

// SendRecorderFromContext returns the turn's send recorder.
func SendRecorderFromContext(ctx context.Context) (*SendRecorder, bool) {
	if ctx == nil {
		return nil, false
	}

	recorder, ok := ctx.Value(sendRecorderKey{}).(*SendRecorder)
	return recorder, ok && recorder != nil
}

// MessageTool lets the model push a message to a chat channel mid-turn,
// for progress updates or proactive notifications. The target defaults to
// the turn's route; explicit channel/chat_id arguments override it.
type MessageTool struct {
	send SendFunc
}

func NewMessageTool(send SendFunc) *MessageTool {
	return &MessageTool{send: send}
}

func (t *MessageTool) Name() string {
	return "message"
}

func (t *MessageTool) Description() string {
	return "Send a message to the user on a chat channel. Use this when you want to communicate something."
}

func (t *MessageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The message content to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Optional: target channel (telegram, cli, etc.)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Optional: target chat/user ID",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) string {
	content, _ := args["content"].(string)
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)

	if channel == "" || chatID == "" {
		route, ok := RouteFromContext(ctx)
		if ok {
			if channel == "" {
				channel = route.Channel
			}
			if chatID == "" {
				chatID = route.ChatID
			}
		}
	}

	if channel == "" || chatID == "" {
		return "No target channel/chat specified"
	}
	if t.send == nil {
		return "Message sending not configured"
	}

	if err := t.send(ctx, channel, chatID, content); err != nil {
		return fmt.Sprintf("Error sending message: %v", err)
	}

	if recorder, ok := SendRecorderFromContext(ctx); ok {
		recorder.Record(channel, chatID)
	}

	return fmt.Sprintf("Message sent to %s:%s", channel, chatID)
}
