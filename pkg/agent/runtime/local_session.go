package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pincer/pkg/agent"
	"pincer/pkg/bus"
	"pincer/pkg/config"
	"pincer/pkg/provider"
	providertypes "pincer/pkg/provider/types"
)

const (
	cliChannelName = "cli"
	cliChatID      = "local"
	cliSenderID    = "user"
)

// closeGrace bounds how long Close waits for in-flight work to settle.
const closeGrace = 2 * time.Second

// LocalSession runs one agent instance for an interactive CLI.
//
// It owns:
//   - one agent instance (loop, heartbeat, subagents),
//   - one in-process message bus,
//   - and the dispatcher goroutine feeding outbound subscribers.
//
// Prompts travel through the bus so UI code and gateway deployments share
// the same transport semantics. Replies are matched back to their prompt
// by request id; everything else on the cli channel, such as message tool
// pushes or subagent announcements, reaches the notify callback.
type LocalSession struct {
	instance   *agent.Instance
	messageBus *bus.MessageBus
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	requestCounter atomic.Uint64

	mu      sync.Mutex
	waiters map[string]chan bus.OutboundMessage
	notify  func(bus.OutboundMessage)
}

func StartLocalSession(ctx context.Context, cfg *config.Config, log *slog.Logger, client provider.Client, observeEvents bool) (*LocalSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if log == nil {
		log = slog.Default()
	}

	messageBus := bus.NewMessageBus()
	instance, err := agent.NewInstance(cfg, client, messageBus)
	if err != nil {
		messageBus.Close()
		return nil, fmt.Errorf("assemble agent: %w", err)
	}

	session := &LocalSession{
		instance:   instance,
		messageBus: messageBus,
		log:        log,
		done:       make(chan struct{}),
		waiters:    make(map[string]chan bus.OutboundMessage),
	}

	runCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel

	messageBus.SubscribeOutbound(cliChannelName, session.receiveOutbound)
	go messageBus.DispatchOutbound(runCtx)

	go func() {
		defer close(session.done)
		instance.Run(runCtx)
	}()

	if observeEvents {
		go observeAgentEvents(runCtx, messageBus)
	}

	return session, nil
}

// SetNotify installs the callback for cli messages that are not a reply
// to an in-flight prompt. Messages arriving while no callback is set are
// logged and dropped.
func (s *LocalSession) SetNotify(fn func(bus.OutboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Instance exposes the underlying agent for status display.
func (s *LocalSession) Instance() *agent.Instance {
	return s.instance
}

// Prompt publishes one user message and blocks until its reply arrives
// or ctx is done. An empty Text on a nil error means the reply already
// went out as a push.
func (s *LocalSession) Prompt(ctx context.Context, prompt string) (providertypes.PromptResult, error) {
	if s == nil {
		return providertypes.PromptResult{}, errors.New("local session is nil")
	}

	requestID := strconv.FormatUint(s.requestCounter.Add(1), 10)
	waiter := make(chan bus.OutboundMessage, 1)
	s.addWaiter(requestID, waiter)
	defer s.dropWaiter(requestID)

	inbound := bus.InboundMessage{
		Channel:  cliChannelName,
		SenderID: cliSenderID,
		ChatID:   cliChatID,
		Content:  prompt,
		Metadata: map[string]string{bus.RequestIDKey: requestID},
	}
	if !s.messageBus.PublishInbound(ctx, inbound) {
		if err := ctx.Err(); err != nil {
			return providertypes.PromptResult{}, err
		}
		return providertypes.PromptResult{}, errors.New("unable to enqueue prompt")
	}

	select {
	case <-ctx.Done():
		return providertypes.PromptResult{}, ctx.Err()
	case outbound := <-waiter:
		if outbound.Error != "" {
			return providertypes.PromptResult{}, errors.New(outbound.Error)
		}
		return PromptResultFromOutbound(outbound), nil
	}
}

// Close stops the session. Subagents get a bounded grace period, then
// the bus closes and the loop drains. Safe to call more than once.
func (s *LocalSession) Close() {
	if s == nil {
		return
	}

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := s.instance.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Subagents still running at shutdown", "error", err)
	}

	s.messageBus.Close()

	select {
	case <-s.done:
	case <-time.After(closeGrace):
		s.log.Warn("Agent loop still draining at shutdown")
	}
}

func (s *LocalSession) addWaiter(requestID string, ch chan bus.OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[requestID] = ch
}

func (s *LocalSession) dropWaiter(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, requestID)
}

// receiveOutbound routes cli traffic. A correlated reply resolves its
// waiting prompt; everything else is a push.
func (s *LocalSession) receiveOutbound(_ context.Context, msg bus.OutboundMessage) error {
	if requestID := msg.Metadata[bus.RequestIDKey]; requestID != "" {
		s.mu.Lock()
		waiter, ok := s.waiters[requestID]
		if ok {
			delete(s.waiters, requestID)
		}
		s.mu.Unlock()

		if ok {
			waiter <- msg
			return nil
		}
	}

	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(msg)
		return nil
	}

	s.log.Info("Dropped push message",
		"chat_id", msg.ChatID,
		"content_length", len(msg.Content))
	return nil
}
