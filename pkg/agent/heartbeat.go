package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pincer/pkg/bus"
	"pincer/pkg/config"
)

const heartbeatFile = "HEARTBEAT.md"

// heartbeatSuffix reminds the model of the quiet-reply convention; the
// loop drops replies that start with the token so idle ticks stay silent.
const heartbeatSuffix = "If everything looks fine and nothing needs attention right now, reply with just HEARTBEAT_OK."

// Heartbeat periodically feeds the standing instructions from the
// workspace HEARTBEAT.md back into the agent as a system message. Ticks
// are skipped while the file is missing or empty, so an unused workspace
// costs nothing.
type Heartbeat struct {
	bus       *bus.MessageBus
	workspace string
	interval  time.Duration
	channel   string
	chatID    string
	logger    *slog.Logger
}

func NewHeartbeat(cfg config.HeartbeatConfig, workspaceRoot string, mb *bus.MessageBus) *Heartbeat {
	interval := time.Duration(cfg.EffectiveIntervalMinutes()) * time.Minute
	if !cfg.Enabled {
		interval = 0
	}

	return &Heartbeat{
		bus:       mb,
		workspace: workspaceRoot,
		interval:  interval,
		channel:   cfg.Channel,
		chatID:    cfg.ChatID,
		logger:    slog.Default().With("component", "heartbeat"),
	}
}

// Enabled reports whether Run will tick at all.
func (h *Heartbeat) Enabled() bool {
	return h.interval > 0
}

// Run ticks until ctx is canceled. It returns immediately when the
// heartbeat is disabled.
func (h *Heartbeat) Run(ctx context.Context) {
	if !h.Enabled() {
		return
	}

	h.logger.Info("heartbeat started", "interval", h.interval, "target", h.target())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	prompt, ok := h.prompt()
	if !ok {
		h.logger.Debug("heartbeat skipped", "reason", "no standing instructions")
		return
	}

	msg := bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: heartbeatSender,
		ChatID:   h.target(),
		Content:  prompt,
	}
	if !h.bus.PublishInbound(ctx, msg) {
		h.logger.Warn("heartbeat publish failed")
		return
	}

	h.logger.Debug("heartbeat published", "target", h.target())
}

// prompt loads HEARTBEAT.md and appends the quiet-reply convention.
// ok is false when there is nothing standing to do.
func (h *Heartbeat) prompt() (string, bool) {
	data, err := os.ReadFile(filepath.Join(h.workspace, heartbeatFile))
	if err != nil {
		return "", false
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}

	return content + "\n\n" + heartbeatSuffix, true
}

// target is the origin pair a heartbeat turn routes back to, encoded the
// way system messages carry it in ChatID.
func (h *Heartbeat) target() string {
	channel := h.channel
	if channel == "" {
		channel = "cli"
	}
	chatID := h.chatID
	if chatID == "" {
		chatID = "direct"
	}

	return channel + ":" + chatID
}
