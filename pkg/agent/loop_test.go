package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pincer/pkg/bus"
	"pincer/pkg/provider/types"
	"pincer/pkg/session"
	"pincer/pkg/tools"
)

type fakeClient struct {
	mu        sync.Mutex
	model     string
	responses []*types.ChatResponse
	err       error
	calls     int
	seen      [][]types.Message
}

func (c *fakeClient) Chat(ctx context.Context, messages []types.Message, defs []types.ToolDefinition, model string, opts types.ChatOptions) (*types.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	snapshot := make([]types.Message, len(messages))
	copy(snapshot, messages)
	c.seen = append(c.seen, snapshot)

	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &types.ChatResponse{Content: "ok"}, nil
	}

	response := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return response, nil
}

func (c *fakeClient) Health(ctx context.Context) error { return nil }

func (c *fakeClient) DefaultModel() string { return c.model }

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type echoTool struct {
	mu    sync.Mutex
	calls []string
}

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Description() string { return "Echo the given text back" }

func (t *echoTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}

func (t *echoTool) Execute(ctx context.Context, args map[string]any) string {
	text, _ := args["text"].(string)

	t.mu.Lock()
	t.calls = append(t.calls, text)
	t.mu.Unlock()

	return "echo: " + text
}

type loopFixture struct {
	loop     *AgentLoop
	bus      *bus.MessageBus
	client   *fakeClient
	sessions *session.Store
	registry *tools.Registry
	echo     *echoTool
}

func newLoopFixture(t *testing.T, client *fakeClient, maxIterations int) *loopFixture {
	t.Helper()

	root := t.TempDir()
	builder, err := NewContextBuilder(root)
	if err != nil {
		t.Fatalf("NewContextBuilder error: %v", err)
	}

	sessions := session.NewStore(filepath.Join(root, ".sessions"))
	registry := tools.NewRegistry()
	echo := &echoTool{}
	registry.Register(echo)

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	loop := NewAgentLoop(LoopDeps{
		Bus:           mb,
		Client:        client,
		Model:         "fake-model",
		Sessions:      sessions,
		Registry:      registry,
		Context:       builder,
		MaxIterations: maxIterations,
	})

	return &loopFixture{
		loop:     loop,
		bus:      mb,
		client:   client,
		sessions: sessions,
		registry: registry,
		echo:     echo,
	}
}

func TestProcessDirectPlainAnswer(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{{Content: "4"}}}
	fx := newLoopFixture(t, client, 20)

	got, err := fx.loop.ProcessDirect(context.Background(), "2+2?")
	if err != nil {
		t.Fatalf("ProcessDirect error: %v", err)
	}
	if got != "4" {
		t.Fatalf("response = %q, want %q", got, "4")
	}
	if client.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1", client.callCount())
	}

	history := fx.sessions.History("cli:direct")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != types.RoleUser || history[1].Role != types.RoleAssistant {
		t.Fatalf("history roles = %s,%s, want user,assistant", history[0].Role, history[1].Role)
	}
}

func TestLoopExecutesToolCallsInOrder(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "first"}},
			{ID: "call-2", Name: "echo", Arguments: map[string]any{"text": "second"}},
		}},
		{Content: "done"},
	}}
	fx := newLoopFixture(t, client, 20)

	got, err := fx.loop.ProcessDirect(context.Background(), "run the echoes")
	if err != nil {
		t.Fatalf("ProcessDirect error: %v", err)
	}
	if got != "done" {
		t.Fatalf("response = %q, want %q", got, "done")
	}
	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	if len(fx.echo.calls) != 2 || fx.echo.calls[0] != "first" || fx.echo.calls[1] != "second" {
		t.Fatalf("echo calls = %v, want [first second]", fx.echo.calls)
	}

	// The second model call must see one assistant turn carrying both raw
	// tool calls followed by one tool turn per call, in order.
	second := client.seen[1]
	if len(second) < 3 {
		t.Fatalf("second call message count = %d, want at least 3", len(second))
	}
	assistant := second[len(second)-3]
	if assistant.Role != types.RoleAssistant || len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant turn = %+v, want role assistant with 2 tool calls", assistant)
	}
	first, last := second[len(second)-2], second[len(second)-1]
	if first.Role != types.RoleTool || first.ToolCallID != "call-1" {
		t.Fatalf("first tool turn = %+v, want tool_call_id call-1", first)
	}
	if last.Role != types.RoleTool || last.ToolCallID != "call-2" {
		t.Fatalf("second tool turn = %+v, want tool_call_id call-2", last)
	}
	if got := types.ContentToString(first.Content); got != "echo: first" {
		t.Fatalf("tool result = %q, want %q", got, "echo: first")
	}
}

func TestLoopIterationBudgetYieldsFallback(t *testing.T) {
	looping := &types.ChatResponse{ToolCalls: []types.ToolCall{
		{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "again"}},
	}}
	client := &fakeClient{responses: []*types.ChatResponse{looping}}
	fx := newLoopFixture(t, client, 3)

	got, err := fx.loop.ProcessDirect(context.Background(), "never stops")
	if err != nil {
		t.Fatalf("ProcessDirect error: %v", err)
	}
	if got != directFallback {
		t.Fatalf("response = %q, want fallback %q", got, directFallback)
	}
	if client.callCount() != 3 {
		t.Fatalf("model calls = %d, want exactly 3", client.callCount())
	}
}

func TestToolPanicSurfacesAsResultTurn(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{
		{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "boom", Arguments: map[string]any{}}}},
		{Content: "recovered"},
	}}
	fx := newLoopFixture(t, client, 20)
	fx.registry.Register(&panicTool{})

	got, err := fx.loop.ProcessDirect(context.Background(), "poke the bear")
	if err != nil {
		t.Fatalf("ProcessDirect error: %v", err)
	}
	if got != "recovered" {
		t.Fatalf("response = %q, want %q", got, "recovered")
	}
	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != types.RoleTool || last.ToolCallID != "call-1" {
		t.Fatalf("last turn = %+v, want tool result for call-1", last)
	}
	if got := types.ContentToString(last.Content); got != "Error executing boom: kaboom" {
		t.Fatalf("tool result = %q", got)
	}
}

func TestRunRoutesInboundToOutbound(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{{
		Content: "hello",
		Usage:   &types.TokenUsage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
	}}}
	fx := newLoopFixture(t, client, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		fx.loop.Run(ctx)
		close(done)
	}()

	published := fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  "hi",
		Metadata: map[string]string{bus.RequestIDKey: "req-1"},
	})
	if !published {
		t.Fatal("PublishInbound returned false")
	}

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()

	out, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Channel != "cli" || out.ChatID != "direct" {
		t.Fatalf("outbound route = %s:%s, want cli:direct", out.Channel, out.ChatID)
	}
	if out.Content != "hello" {
		t.Fatalf("outbound content = %q, want %q", out.Content, "hello")
	}
	if out.Metadata[bus.RequestIDKey] != "req-1" {
		t.Fatalf("request id = %q, want req-1", out.Metadata[bus.RequestIDKey])
	}
	if out.Metadata[bus.UsageTotalTokensKey] != "10" {
		t.Fatalf("usage total = %q, want 10", out.Metadata[bus.UsageTotalTokensKey])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestSystemMessageRoutesToOrigin(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{{Content: "summarized"}}}
	fx := newLoopFixture(t, client, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent",
		ChatID:   "telegram:42",
		Content:  "[Subagent 'fetch' completed successfully]",
	})

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()

	out, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Fatalf("outbound route = %s:%s, want telegram:42", out.Channel, out.ChatID)
	}

	history := fx.sessions.History("telegram:42")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	userTurn := types.ContentToString(history[0].Content)
	if !strings.HasPrefix(userTurn, "[System: subagent] ") {
		t.Fatalf("user turn = %q, want [System: subagent] prefix", userTurn)
	}
}

func TestModelErrorProducesApology(t *testing.T) {
	client := &fakeClient{err: errors.New("provider melted")}
	fx := newLoopFixture(t, client, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  "hi",
	})

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()

	out, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if !strings.HasPrefix(out.Content, "Sorry, I encountered an error: ") {
		t.Fatalf("outbound content = %q, want apology prefix", out.Content)
	}
	if !strings.Contains(out.Error, "provider melted") {
		t.Fatalf("outbound error = %q, want provider melted", out.Error)
	}
}

func TestMessageToolSuppressesDuplicateFinalSend(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "message", Arguments: map[string]any{"content": "progress ping"}},
		}},
		{Content: "final text that would duplicate"},
	}}
	fx := newLoopFixture(t, client, 20)

	send := func(ctx context.Context, channel, chatID, content string) error {
		if !fx.bus.PublishOutbound(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content}) {
			return errors.New("publish failed")
		}
		return nil
	}
	fx.registry.Register(tools.NewMessageTool(send))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  "tell me something",
	})

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()

	out, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Content != "progress ping" {
		t.Fatalf("first outbound = %q, want tool send", out.Content)
	}

	quietCtx, quietCancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer quietCancel()
	if extra, ok := fx.bus.ConsumeOutbound(quietCtx); ok {
		t.Fatalf("unexpected second outbound: %q", extra.Content)
	}

	history := fx.sessions.History("cli:direct")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestSuppressedSendStillAnswersCorrelatedRequest(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "message", Arguments: map[string]any{"content": "progress ping"}},
		}},
		{Content: "final text that would duplicate"},
	}}
	fx := newLoopFixture(t, client, 20)

	send := func(ctx context.Context, channel, chatID, content string) error {
		if !fx.bus.PublishOutbound(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content}) {
			return errors.New("publish failed")
		}
		return nil
	}
	fx.registry.Register(tools.NewMessageTool(send))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  "tell me something",
		Metadata: map[string]string{bus.RequestIDKey: "req-9"},
	})

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()

	push, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no push message")
	}
	if push.Content != "progress ping" {
		t.Fatalf("push content = %q", push.Content)
	}
	if push.Metadata[bus.RequestIDKey] != "" {
		t.Error("tool push should not carry the request id")
	}

	receipt, ok := fx.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no receipt for the correlated request")
	}
	if receipt.Metadata[bus.RequestIDKey] != "req-9" {
		t.Errorf("receipt request id = %q, want req-9", receipt.Metadata[bus.RequestIDKey])
	}
	if receipt.Content != "" {
		t.Errorf("receipt content = %q, want empty", receipt.Content)
	}
}

func TestHeartbeatOKStaysQuiet(t *testing.T) {
	client := &fakeClient{responses: []*types.ChatResponse{{Content: "HEARTBEAT_OK"}}}
	fx := newLoopFixture(t, client, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	fx.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "heartbeat",
		ChatID:   "cli:direct",
		Content:  "Check the standing tasks.",
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(fx.sessions.History("cli:direct")) == 2
	})

	quietCtx, quietCancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer quietCancel()
	if out, ok := fx.bus.ConsumeOutbound(quietCtx); ok {
		t.Fatalf("unexpected outbound for quiet heartbeat: %q", out.Content)
	}
}

func TestTurnsForSameSessionStaySequential(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	client := &fakeClient{}
	fx := newLoopFixture(t, client, 20)

	slow := &slowTool{enter: func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}
	fx.registry.Register(slow)

	client.mu.Lock()
	client.responses = []*types.ChatResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "slow", Arguments: map[string]any{}}}},
		{Content: "one"},
		{ToolCalls: []types.ToolCall{{ID: "c2", Name: "slow", Arguments: map[string]any{}}}},
		{Content: "two"},
	}
	client.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.loop.Run(ctx)

	for i := 0; i < 2; i++ {
		fx.bus.PublishInbound(ctx, bus.InboundMessage{
			Channel:  "cli",
			SenderID: "user",
			ChatID:   "direct",
			Content:  "go",
		})
	}

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer consumeCancel()
	for i := 0; i < 2; i++ {
		if _, ok := fx.bus.ConsumeOutbound(consumeCtx); !ok {
			t.Fatal("missing outbound message")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("max concurrent tool executions = %d, want 1", maxInFlight)
	}
}

type panicTool struct{}

func (t *panicTool) Name() string { return "boom" }

func (t *panicTool) Description() string { return "Always panics" }

func (t *panicTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *panicTool) Execute(ctx context.Context, args map[string]any) string {
	panic("kaboom")
}

type slowTool struct {
	enter func()
}

func (t *slowTool) Name() string { return "slow" }

func (t *slowTool) Description() string { return "Sleep briefly" }

func (t *slowTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *slowTool) Execute(ctx context.Context, args map[string]any) string {
	if t.enter != nil {
		t.enter()
	}
	return "done"
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
