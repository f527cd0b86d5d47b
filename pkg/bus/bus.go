package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries inbound user traffic toward the agent loop and
// outbound replies toward channel adapters over two buffered FIFO queues.
// Adapters register outbound subscribers per channel name; DispatchOutbound
// fans each reply out to them.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	subscribers map[string][]SubscriberFunc

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:          make(chan InboundMessage, defaultBufferSize),
		outbound:         make(chan OutboundMessage, defaultBufferSize),
		subscribers:      make(map[string][]SubscriberFunc),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-mb.done:
		return InboundMessage{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-mb.done:
		return OutboundMessage{}, false
	case msg := <-mb.outbound:
		return msg, true
	}
}

// SubscribeOutbound registers a delivery callback for one channel name.
// Multiple subscribers per channel are allowed and each receives every
// outbound message addressed to that channel.
func (mb *MessageBus) SubscribeOutbound(channel string, fn SubscriberFunc) {
	if fn == nil {
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.subscribers[channel] = append(mb.subscribers[channel], fn)
}

// DispatchOutbound pulls outbound messages and delivers each to every
// subscriber registered for the message's channel. Subscriber errors and
// panics are logged and isolated; they never block other subscribers or
// stop the loop. Blocks until ctx is done or the bus closes.
func (mb *MessageBus) DispatchOutbound(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	log := slog.Default().With("component", "bus")

	for {
		msg, ok := mb.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		subs := mb.subscribersFor(msg.Channel)
		if len(subs) == 0 {
			log.Warn("No outbound subscribers for channel",
				"channel", msg.Channel,
				"chat_id", msg.ChatID)
			continue
		}

		for _, fn := range subs {
			deliverOutbound(ctx, log, fn, msg)
		}
	}
}

func (mb *MessageBus) subscribersFor(channel string) []SubscriberFunc {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	subs := mb.subscribers[channel]
	if len(subs) == 0 {
		return nil
	}

	out := make([]SubscriberFunc, len(subs))
	copy(out, subs)
	return out
}

func deliverOutbound(ctx context.Context, log *slog.Logger, fn SubscriberFunc, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Outbound subscriber panicked",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"panic", fmt.Sprint(r))
		}
	}()

	if err := fn(ctx, msg); err != nil {
		log.Warn("Outbound subscriber failed",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"error", err)
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
