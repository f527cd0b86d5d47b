package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := InboundMessage{Channel: "cli", Content: "hello", SessionKey: "session-1"}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if out.Content != in.Content {
		t.Fatalf("content = %q, want %q", out.Content, in.Content)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := OutboundMessage{Channel: "cli", Content: "world", SessionKey: "session-1"}
	if ok := mb.PublishOutbound(context.Background(), in); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	out, ok := mb.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound consume to succeed")
	}
	if out.Content != in.Content {
		t.Fatalf("content = %q, want %q", out.Content, in.Content)
	}
}

func TestInboundPreservesOrder(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	for _, content := range []string{"first", "second", "third"} {
		if ok := mb.PublishInbound(context.Background(), InboundMessage{Channel: "cli", Content: content}); !ok {
			t.Fatalf("publish %q failed", content)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		got, ok := mb.ConsumeInbound(context.Background())
		if !ok {
			t.Fatal("expected consume to succeed")
		}
		if got.Content != want {
			t.Fatalf("content = %q, want %q", got.Content, want)
		}
	}
}

func TestResolveSessionKey(t *testing.T) {
	explicit := InboundMessage{Channel: "telegram", ChatID: "42", SessionKey: "custom"}
	if got := explicit.ResolveSessionKey(); got != "custom" {
		t.Fatalf("session key = %q, want %q", got, "custom")
	}

	derived := InboundMessage{Channel: "telegram", ChatID: "42"}
	if got := derived.ResolveSessionKey(); got != "telegram:42" {
		t.Fatalf("session key = %q, want %q", got, "telegram:42")
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundMessage{Content: "hello"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{Content: "hello"}); ok {
		t.Fatal("expected outbound publish to fail after close")
	}

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if _, ok := mb.ConsumeOutbound(context.Background()); ok {
		t.Fatal("expected outbound consume to stop after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundMessage{Content: "hello"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestDispatchDeliversToChannelSubscribers(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	var mu sync.Mutex
	var cliGot []string
	var telegramGot []string

	mb.SubscribeOutbound("cli", func(_ context.Context, msg OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		cliGot = append(cliGot, msg.Content)
		return nil
	})
	mb.SubscribeOutbound("telegram", func(_ context.Context, msg OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		telegramGot = append(telegramGot, msg.Content)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		mb.DispatchOutbound(ctx)
	}()

	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "for cli"})
	mb.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", Content: "for telegram"})
	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "cli again"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cliGot) == 2 && len(telegramGot) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if cliGot[0] != "for cli" || cliGot[1] != "cli again" {
		t.Fatalf("cli deliveries out of order: %v", cliGot)
	}
	if telegramGot[0] != "for telegram" {
		t.Fatalf("telegram delivery = %v", telegramGot)
	}

	cancel()
	select {
	case <-dispatchDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dispatch loop did not stop on cancel")
	}
}

func TestDispatchFansOutToAllSubscribers(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	var mu sync.Mutex
	counts := map[string]int{}

	for _, name := range []string{"a", "b", "c"} {
		name := name
		mb.SubscribeOutbound("cli", func(_ context.Context, _ OutboundMessage) error {
			mu.Lock()
			defer mu.Unlock()
			counts[name]++
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.DispatchOutbound(ctx)

	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "ping"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] == 1 && counts["b"] == 1 && counts["c"] == 1
	})
}

func TestDispatchIsolatesFailingSubscriber(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	var mu sync.Mutex
	delivered := 0

	mb.SubscribeOutbound("cli", func(_ context.Context, _ OutboundMessage) error {
		return errors.New("subscriber boom")
	})
	mb.SubscribeOutbound("cli", func(_ context.Context, _ OutboundMessage) error {
		panic("subscriber panic")
	})
	mb.SubscribeOutbound("cli", func(_ context.Context, _ OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.DispatchOutbound(ctx)

	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "first"})
	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "second"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	})
}

func TestDispatchSkipsChannelsWithoutSubscribers(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	var mu sync.Mutex
	delivered := 0

	mb.SubscribeOutbound("cli", func(_ context.Context, _ OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.DispatchOutbound(ctx)

	mb.PublishOutbound(ctx, OutboundMessage{Channel: "nowhere", Content: "dropped"})
	mb.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "kept"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventPromptReceived, RequestID: "1"}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case got := <-eventsA:
		if got.Type != EventPromptReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventPromptReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber A did not receive event")
	}

	select {
	case got := <-eventsB:
		if got.Type != EventPromptReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventPromptReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber B did not receive event")
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventPromptReceived}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventPromptCompleted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventPromptReceived}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	ctx := context.Background()
	events, _ := mb.SubscribeEvents(ctx, 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
