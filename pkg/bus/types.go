package bus

import "context"

// SystemChannel marks synthetic inbound messages re-injected by the runtime
// itself (subagent announcements, heartbeats). For these the ChatID encodes
// the origin as "channel:chat_id" so replies can be routed back.
const SystemChannel = "system"

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ResolveSessionKey returns the explicit session key when set, otherwise
// the channel:chat pair.
func (m InboundMessage) ResolveSessionKey() string {
	if m.SessionKey != "" {
		return m.SessionKey
	}
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	SessionKey string            `json:"session_key,omitempty"`
	Content    string            `json:"content"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubscriberFunc handles one outbound message for a channel. Returned
// errors are logged by the dispatcher and do not affect other subscribers.
type SubscriberFunc func(ctx context.Context, msg OutboundMessage) error
