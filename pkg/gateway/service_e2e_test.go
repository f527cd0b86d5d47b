package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"pincer/pkg/bus"
	"pincer/pkg/channel"
	"pincer/pkg/config"
	"pincer/pkg/provider"
	providertypes "pincer/pkg/provider/types"

	"github.com/stretchr/testify/require"
)

// chatRecorder answers every prompt with "ok:<prompt>" and records what
// the agent loop asked it.
type chatRecorder struct {
	mu          sync.Mutex
	healthCalls int
	chatErr     error
	usage       *providertypes.TokenUsage
	prompts     []string
}

func (c *chatRecorder) Chat(_ context.Context, messages []providertypes.Message, _ []providertypes.ToolDefinition, _ string, _ providertypes.ChatOptions) (*providertypes.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prompt := ""
	if len(messages) > 0 {
		prompt = providertypes.ContentToString(messages[len(messages)-1].Content)
	}
	c.prompts = append(c.prompts, prompt)

	if c.chatErr != nil {
		return nil, c.chatErr
	}

	return &providertypes.ChatResponse{Content: "ok:" + prompt, Usage: c.usage}, nil
}

func (c *chatRecorder) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCalls++
	return nil
}

func (c *chatRecorder) DefaultModel() string {
	return "gateway-model"
}

func (c *chatRecorder) snapshot() (int, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prompts := make([]string, len(c.prompts))
	copy(prompts, c.prompts)
	return c.healthCalls, prompts
}

type toggledHealthClient struct {
	mu        sync.Mutex
	healthErr error
}

func (c *toggledHealthClient) Chat(context.Context, []providertypes.Message, []providertypes.ToolDefinition, string, providertypes.ChatOptions) (*providertypes.ChatResponse, error) {
	return &providertypes.ChatResponse{Content: "ok"}, nil
}

func (c *toggledHealthClient) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *toggledHealthClient) DefaultModel() string {
	return "gateway-model"
}

func (c *toggledHealthClient) setHealthErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = err
}

// scriptedAdapter registers its outbound subscriber, feeds a scripted
// set of inbound messages through the bus, and records every reply the
// dispatcher hands back.
type scriptedAdapter struct {
	name    string
	inbound []bus.InboundMessage

	mu       sync.Mutex
	outbound []bus.OutboundMessage
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, mb *bus.MessageBus) error {
	mb.SubscribeOutbound(a.name, func(_ context.Context, outbound bus.OutboundMessage) error {
		a.mu.Lock()
		a.outbound = append(a.outbound, outbound)
		a.mu.Unlock()
		return nil
	})

	for _, inbound := range a.inbound {
		if !mb.PublishInbound(ctx, inbound) {
			return fmt.Errorf("publish inbound %q", inbound.Content)
		}
	}

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) outbounds() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	outbound := make([]bus.OutboundMessage, len(a.outbound))
	copy(outbound, a.outbound)
	return outbound
}

func gatewayTestConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Agents: config.AgentsConfig{Defaults: config.AgentDefaults{
			Workspace:           t.TempDir(),
			RestrictToWorkspace: true,
			Model:               "fake-model",
		}},
		Gateway: config.GatewayConfig{
			Host: "127.0.0.1",
			Port: freeTCPPort(t),
		},
	}
}

func startGateway(t *testing.T, cfg *config.Config, client provider.Client, adapter *scriptedAdapter) (*Service, context.CancelFunc, chan error) {
	t.Helper()

	svc, err := newServiceWithClient(cfg, client, []channel.Adapter{adapter}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	return svc, cancel, errCh
}

func stopGateway(t *testing.T, cancel context.CancelFunc, errCh chan error) {
	t.Helper()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func waitOutbounds(t *testing.T, adapter *scriptedAdapter, want int, timeout time.Duration) []bus.OutboundMessage {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		outbounds := adapter.outbounds()
		if len(outbounds) >= want {
			return outbounds
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d outbound messages, have %d", want, len(outbounds))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestGatewayServiceRunE2ESessionContinuity(t *testing.T) {
	client := &chatRecorder{}
	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundMessage{
			{Channel: "telegram", SenderID: "7", ChatID: "100", SessionKey: "telegram:100", Content: "one"},
			{Channel: "telegram", SenderID: "7", ChatID: "100", SessionKey: "telegram:100", Content: "two"},
			{Channel: "telegram", SenderID: "8", ChatID: "200", SessionKey: "telegram:200", Content: "three"},
		},
	}

	svc, cancel, errCh := startGateway(t, gatewayTestConfig(t), client, adapter)
	defer cancel()

	outbounds := waitOutbounds(t, adapter, 3, 5*time.Second)
	stopGateway(t, cancel, errCh)

	healthCalls, prompts := client.snapshot()
	require.GreaterOrEqual(t, healthCalls, 1)
	require.ElementsMatch(t, []string{"one", "two", "three"}, prompts)

	// Concurrent sessions race each other, so group replies by session
	// instead of asserting a global order.
	bySession := make(map[string][]string)
	for _, outbound := range outbounds {
		require.Equal(t, "telegram", outbound.Channel)
		bySession[outbound.SessionKey] = append(bySession[outbound.SessionKey], outbound.Content)
	}
	require.ElementsMatch(t, []string{"ok:one", "ok:two"}, bySession["telegram:100"])
	require.Equal(t, []string{"ok:three"}, bySession["telegram:200"])

	// Both chat 100 prompts landed in one session history.
	sessions := svc.instance.Sessions()
	require.Len(t, sessions.History("telegram:100"), 4)
	require.Len(t, sessions.History("telegram:200"), 2)
}

func TestGatewayServiceRunE2EProviderErrorReturnsOutboundError(t *testing.T) {
	client := &chatRecorder{chatErr: fmt.Errorf("prompt exploded")}
	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundMessage{
			{Channel: "telegram", SenderID: "7", ChatID: "100", SessionKey: "telegram:100", Content: "trigger error"},
		},
	}

	_, cancel, errCh := startGateway(t, gatewayTestConfig(t), client, adapter)
	defer cancel()

	outbounds := waitOutbounds(t, adapter, 1, 5*time.Second)
	stopGateway(t, cancel, errCh)

	require.Len(t, outbounds, 1)
	require.Contains(t, outbounds[0].Error, "prompt exploded")
	require.Contains(t, outbounds[0].Content, "Sorry, I encountered an error")
	require.Equal(t, "telegram:100", outbounds[0].SessionKey)
}

func TestGatewayServiceRunE2EUsageMetadataPropagation(t *testing.T) {
	client := &chatRecorder{usage: &providertypes.TokenUsage{
		InputTokens:         11,
		OutputTokens:        22,
		TotalTokens:         33,
		ReasoningTokens:     4,
		CacheCreationTokens: 5,
		CacheReadTokens:     6,
	}}
	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundMessage{
			{Channel: "telegram", SenderID: "7", ChatID: "100", SessionKey: "telegram:100", Content: "usage please"},
		},
	}

	_, cancel, errCh := startGateway(t, gatewayTestConfig(t), client, adapter)
	defer cancel()

	outbounds := waitOutbounds(t, adapter, 1, 5*time.Second)
	stopGateway(t, cancel, errCh)

	require.Len(t, outbounds, 1)
	require.Equal(t, "ok:usage please", outbounds[0].Content)
	require.Equal(t, "11", outbounds[0].Metadata["usage_input_tokens"])
	require.Equal(t, "22", outbounds[0].Metadata["usage_output_tokens"])
	require.Equal(t, "33", outbounds[0].Metadata["usage_total_tokens"])
	require.Equal(t, "4", outbounds[0].Metadata["usage_reasoning_tokens"])
	require.Equal(t, "5", outbounds[0].Metadata["usage_cache_creation_tokens"])
	require.Equal(t, "6", outbounds[0].Metadata["usage_cache_read_tokens"])
}

func TestGatewayServiceReadyzTransitionsOnProviderHealthRecovery(t *testing.T) {
	client := &toggledHealthClient{}
	adapter := &scriptedAdapter{name: "telegram"}

	cfg := gatewayTestConfig(t)
	svc, cancel, errCh := startGateway(t, cfg, client, adapter)
	defer cancel()

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	client.setHealthErr(fmt.Errorf("temporary provider outage"))
	require.Error(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, readyURL, 2*time.Second))

	client.setHealthErr(nil)
	require.NoError(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	stopGateway(t, cancel, errCh)
}

func TestGatewayServiceHealthzReportsAgentState(t *testing.T) {
	client := &chatRecorder{}
	adapter := &scriptedAdapter{name: "telegram"}

	cfg := gatewayTestConfig(t)
	_, cancel, errCh := startGateway(t, cfg, client, adapter)
	defer cancel()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, healthURL, 2*time.Second))

	response, err := http.Get(healthURL)
	require.NoError(t, err)
	defer response.Body.Close()

	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.Equal(t, "fake-model", status.Agent.Model)
	require.Zero(t, status.Agent.SubagentsRunning)
	require.False(t, status.Agent.HeartbeatEnabled)
	require.True(t, status.Channels["telegram"].Running)

	stopGateway(t, cancel, errCh)
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
