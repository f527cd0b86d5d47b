/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pincer/pkg/agent/runtime"
	"pincer/pkg/bus"
	"pincer/pkg/config"
	"pincer/pkg/logger"
	"pincer/pkg/provider"
	"pincer/pkg/ui/chat"

	"github.com/spf13/cobra"
)

var (
	promptText string
	logEvents  bool
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent [prompt]",
	Short: "Send a prompt or start an interactive chat",
	Long:  "Loads Pincer configuration, starts the local agent runtime, and sends one prompt or opens the interactive chat console.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		log, closeLog, err := consoleSafeLogger(cfg)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		defer closeLog()
		slog.SetDefault(log)

		client, err := provider.New(cfg)
		if err != nil {
			fmt.Printf("failed to initialize provider: %v\n", err)
			return
		}

		ctx := context.Background()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("provider health check failed: %v\n", err)
			return
		}

		session, err := runtime.StartLocalSession(ctx, cfg, log, client, logEvents)
		if err != nil {
			fmt.Printf("failed to start agent runtime: %v\n", err)
			return
		}
		defer session.Close()

		info := chat.RuntimeInfo{
			AgentType: "main",
			Provider:  cfg.Agents.Defaults.Provider,
			Model:     session.Instance().Model(),
		}

		bind := func(push chat.PushFunc) {
			session.SetNotify(pushForwarder(push))
		}

		if prompt != "" {
			if err := chat.RunOneShot(ctx, session.Prompt, prompt, info, bind); err != nil {
				fmt.Printf("chat console failed: %v\n", err)
			}
			return
		}

		if err := chat.RunInteractive(ctx, session.Prompt, info, bind); err != nil {
			fmt.Printf("chat console failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	agentCmd.Flags().BoolVar(&logEvents, "log-events", false, "log agent lifecycle events")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	value := strings.TrimSpace(strings.Join(args, " "))
	if value == "" {
		return ""
	}

	return value
}

// pushForwarder adapts agent-initiated messages to the chat view,
// dropping the empty receipts that mark an already-pushed reply.
func pushForwarder(push chat.PushFunc) func(bus.OutboundMessage) {
	return func(outbound bus.OutboundMessage) {
		content := strings.TrimSpace(outbound.Content)
		if content == "" {
			return
		}

		push(content)
	}
}

// consoleSafeLogger routes logs to a file so they cannot tear the
// full-screen chat view.
func consoleSafeLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve home directory: %w", err)
	}

	path := filepath.Join(home, ".pincer", "logs", "agent.log")
	log, closeLog, err := logger.NewFile(cfg.Logging, path)
	if err != nil {
		return nil, nil, err
	}

	return log, func() { _ = closeLog() }, nil
}
