package bus

import (
	"context"
	"sync"
	"time"
)

// EventType names one observable moment in the agent lifecycle.
type EventType string

const (
	// Turn lifecycle, published by the agent loop per inbound message.
	EventPromptReceived  EventType = "prompt_received"
	EventPromptCompleted EventType = "prompt_completed"
	EventPromptFailed    EventType = "prompt_failed"

	// Background task lifecycle, published by the subagent manager.
	EventSubagentSpawned  EventType = "subagent_spawned"
	EventSubagentFinished EventType = "subagent_finished"
)

// Event is a lifecycle notification for observers (log streams, UIs).
// Events are advisory: losing one never affects message delivery.
type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	Channel    string            `json:"channel,omitempty"`
	ChatID     string            `json:"chat_id,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PublishEvent fans event out to every subscriber without blocking: a
// subscriber whose buffer is full misses the event. Returns false once
// the bus is closed or ctx is done.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	for _, ch := range mb.eventChannels() {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) eventChannels() []chan Event {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	subs := make([]chan Event, 0, len(mb.eventSubscribers))
	for _, ch := range mb.eventSubscribers {
		subs = append(subs, ch)
	}
	return subs
}

// SubscribeEvents registers an event observer with the given channel
// buffer. The subscription ends when unsubscribe is called, ctx is done,
// or the bus closes; the returned channel is closed in every case.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
