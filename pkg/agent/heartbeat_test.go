package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pincer/pkg/bus"
	"pincer/pkg/config"
)

func newTestHeartbeat(t *testing.T, cfg config.HeartbeatConfig) (*Heartbeat, *bus.MessageBus, string) {
	t.Helper()

	workspace := t.TempDir()
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	return NewHeartbeat(cfg, workspace, mb), mb, workspace
}

func TestHeartbeatTickPublishesSystemInbound(t *testing.T) {
	hb, mb, workspace := newTestHeartbeat(t, config.HeartbeatConfig{Enabled: true})

	path := filepath.Join(workspace, heartbeatFile)
	if err := os.WriteFile(path, []byte("Check the backup job.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	hb.tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected heartbeat to publish an inbound message")
	}
	if msg.Channel != bus.SystemChannel {
		t.Errorf("channel = %q, want %q", msg.Channel, bus.SystemChannel)
	}
	if msg.SenderID != heartbeatSender {
		t.Errorf("sender = %q, want %q", msg.SenderID, heartbeatSender)
	}
	if msg.ChatID != "cli:direct" {
		t.Errorf("chat id = %q, want cli:direct", msg.ChatID)
	}
	if !strings.Contains(msg.Content, "Check the backup job.") {
		t.Errorf("content missing instructions: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, heartbeatOKToken) {
		t.Errorf("content missing quiet-reply convention: %q", msg.Content)
	}
}

func TestHeartbeatTargetsConfiguredChat(t *testing.T) {
	cfg := config.HeartbeatConfig{Enabled: true, Channel: "telegram", ChatID: "42"}
	hb, mb, workspace := newTestHeartbeat(t, cfg)

	path := filepath.Join(workspace, heartbeatFile)
	if err := os.WriteFile(path, []byte("ping ops"), 0o644); err != nil {
		t.Fatal(err)
	}

	hb.tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected heartbeat to publish an inbound message")
	}
	if msg.ChatID != "telegram:42" {
		t.Errorf("chat id = %q, want telegram:42", msg.ChatID)
	}
}

func TestHeartbeatSkipsWithoutInstructions(t *testing.T) {
	hb, mb, workspace := newTestHeartbeat(t, config.HeartbeatConfig{Enabled: true})

	// No HEARTBEAT.md at all.
	hb.tick(context.Background())

	// A file with only whitespace counts as empty.
	path := filepath.Join(workspace, heartbeatFile)
	if err := os.WriteFile(path, []byte("  \n\t\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hb.tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected no inbound message, got %+v", msg)
	}
}

func TestHeartbeatDisabledByConfig(t *testing.T) {
	hb, _, _ := newTestHeartbeat(t, config.HeartbeatConfig{Enabled: false, IntervalMinutes: 5})

	if hb.Enabled() {
		t.Error("heartbeat should be disabled")
	}

	done := make(chan struct{})
	go func() {
		hb.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}
