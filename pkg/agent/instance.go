package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"pincer/pkg/bus"
	"pincer/pkg/config"
	"pincer/pkg/provider"
	"pincer/pkg/provider/types"
	"pincer/pkg/session"
	"pincer/pkg/tools"
	"pincer/pkg/tools/fs"
	"pincer/pkg/workspace"
)

// Instance assembles one complete agent: workspace guard, tool registry,
// context builder, session store, subagent manager, heartbeat, and the
// loop that ties them all to the message bus.
type Instance struct {
	loop      *AgentLoop
	subagents *SubagentManager
	heartbeat *Heartbeat
	sessions  *session.Store
	registry  *tools.Registry
	builder   *ContextBuilder
	workspace string
	model     string
}

func NewInstance(cfg *config.Config, client provider.Client, mb *bus.MessageBus) (*Instance, error) {
	defaults := cfg.Agents.Defaults

	model := strings.TrimSpace(defaults.Model)
	if model == "" {
		model = client.DefaultModel()
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured")
	}

	guard, err := workspace.NewGuardWithPolicy(defaults.Workspace, defaults.RestrictToWorkspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	root := guard.Root()

	builder, err := NewContextBuilder(root)
	if err != nil {
		return nil, fmt.Errorf("prepare context builder: %w", err)
	}

	sessions := session.NewStore(filepath.Join(root, ".sessions"))

	opts := types.ChatOptions{
		MaxTokens:   defaults.EffectiveMaxTokens(),
		Temperature: defaults.Temperature,
	}

	fsService := fs.NewService(guard)
	sendFunc := busSendFunc(mb)

	registry := tools.NewRegistry()
	registerCommonTools(registry, fsService, guard, root, cfg)
	registry.Register(tools.NewMessageTool(sendFunc))

	// Subagents get the same capabilities minus messaging and spawning,
	// so a background task cannot talk to chat channels or fork further.
	subRegistry := tools.NewRegistry()
	registerCommonTools(subRegistry, fsService, guard, root, cfg)

	subagents := NewSubagentManager(
		client,
		model,
		root,
		mb,
		subRegistry,
		defaults.EffectiveSubagentIterations(),
		opts,
	)
	registry.Register(NewSpawnTool(subagents))

	loop := NewAgentLoop(LoopDeps{
		Bus:           mb,
		Client:        client,
		Model:         model,
		Sessions:      sessions,
		Registry:      registry,
		Context:       builder,
		MaxIterations: defaults.EffectiveMaxToolIterations(),
		ChatOptions:   opts,
	})

	return &Instance{
		loop:      loop,
		subagents: subagents,
		heartbeat: NewHeartbeat(cfg.Heartbeat, root, mb),
		sessions:  sessions,
		registry:  registry,
		builder:   builder,
		workspace: root,
		model:     model,
	}, nil
}

// registerCommonTools installs the capabilities shared by the main agent
// and its subagents.
func registerCommonTools(registry *tools.Registry, fsService *fs.Service, guard *workspace.Guard, root string, cfg *config.Config) {
	registry.Register(tools.NewReadFileTool(fsService, guard))
	registry.Register(tools.NewWriteFileTool(fsService, guard))
	registry.Register(tools.NewAppendFileTool(fsService, guard))
	registry.Register(tools.NewEditFileTool(fsService, guard))
	registry.Register(tools.NewListDirTool(fsService, guard))

	registry.Register(tools.NewExecToolWithConfig(root, cfg.Agents.Defaults.RestrictToWorkspace, tools.ExecToolConfig{
		DenyPatterns:    cfg.Tools.Exec.CustomDenyPatterns,
		MaxTimeout:      cfg.Tools.Exec.EffectiveTimeoutSeconds(),
		DisableDenyList: cfg.Tools.Exec.DisableDenyPatterns,
	}))

	registry.Register(tools.NewWebSearchTool(cfg.Tools.Web.Brave.APIKey, cfg.Tools.Web.Brave.EffectiveMaxResults()))
	registry.Register(tools.NewWebFetchTool(cfg.Tools.Web.EffectiveFetchMaxSize()))
}

// busSendFunc adapts outbound publishing to the message tool contract.
func busSendFunc(mb *bus.MessageBus) tools.SendFunc {
	return func(ctx context.Context, channel string, chatID string, content string) error {
		delivered := mb.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
		if !delivered {
			return fmt.Errorf("message bus rejected outbound to %s:%s", channel, chatID)
		}

		return nil
	}
}

// Run drives the heartbeat and the agent loop until ctx is canceled.
func (i *Instance) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.heartbeat.Run(ctx)
	}()

	i.loop.Run(ctx)
	wg.Wait()
}

// Shutdown waits for background subagents to settle, bounded by ctx.
func (i *Instance) Shutdown(ctx context.Context) error {
	return i.subagents.Stop(ctx)
}

func (i *Instance) Loop() *AgentLoop {
	return i.loop
}

func (i *Instance) Subagents() *SubagentManager {
	return i.subagents
}

func (i *Instance) Sessions() *session.Store {
	return i.sessions
}

func (i *Instance) Registry() *tools.Registry {
	return i.registry
}

func (i *Instance) Workspace() string {
	return i.workspace
}

func (i *Instance) Model() string {
	return i.model
}

func (i *Instance) HeartbeatEnabled() bool {
	return i.heartbeat.Enabled()
}
