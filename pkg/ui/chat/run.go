package chat

import (
	"context"
	"fmt"

	providertypes "pincer/pkg/provider/types"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PromptFunc submits one user turn and blocks until the reply receipt
// comes back. An empty Text with a nil error means the reply already
// reached the view through a push.
type PromptFunc func(ctx context.Context, prompt string) (providertypes.PromptResult, error)

// PushFunc injects agent-initiated text into a running chat view.
type PushFunc func(content string)

// RuntimeInfo labels the header line of the interactive view.
type RuntimeInfo struct {
	AgentType string
	Provider  string
	Model     string
}

// RunInteractive drives the full-screen chat console until the user
// quits. When bind is not nil it receives the program's push hook before
// the first frame, so callers can forward agent-initiated messages into
// the view.
func RunInteractive(ctx context.Context, promptFn PromptFunc, info RuntimeInfo, bind func(PushFunc)) error {
	model := newModel(ctx, promptFn, modeInteractive, "", info)
	program := tea.NewProgram(model, tea.WithMouseCellMotion())
	bindPush(program, bind)

	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot renders a single prompt/answer exchange and exits.
func RunOneShot(ctx context.Context, promptFn PromptFunc, prompt string, info RuntimeInfo, bind func(PushFunc)) error {
	model := newModel(ctx, promptFn, modeOneShot, prompt, info)
	program := tea.NewProgram(model)
	bindPush(program, bind)

	_, err := program.Run()
	return err
}

func bindPush(program *tea.Program, bind func(PushFunc)) {
	if bind == nil {
		return
	}

	bind(func(content string) {
		program.Send(pushMsg{content: content})
	})
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorPaper).
		Background(colorEmber).
		Padding(1, 2)

	return style.Render("🦀 Thanks for using Pincer")
}
