package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	providertypes "pincer/pkg/provider/types"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
	roleError     = "error"
)

const wheelScrollLines = 3
const toolPayloadLimit = 96

type chatMessage struct {
	role    string
	content string
	usage   *providertypes.TokenUsage
}

type promptResultMsg struct {
	result providertypes.PromptResult
	err    error
}

// pushMsg carries text the agent sent on its own, outside the
// request/reply cycle.
type pushMsg struct {
	content string
}

type bootTickMsg struct{}

type model struct {
	ctx          context.Context
	promptFn     PromptFunc
	mode         mode
	oneShotInput string

	theme      theme
	spinner    spinner.Model
	input      textinput.Model
	viewport   viewport.Model
	messages   []chatMessage
	width      int
	height     int
	isReady    bool
	isLoading  bool
	lastErr    string
	booting    bool
	bootStep   int
	followLog  bool
	runtime    RuntimeInfo
	usageIn    int64
	usageOut   int64
	usageTotal int64
}

func newModel(ctx context.Context, promptFn PromptFunc, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(colorAmber)

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Ask anything..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:          ctx,
		promptFn:     promptFn,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     vp,
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
		runtime:      info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		m.messages = append(m.messages, chatMessage{role: roleUser, content: m.oneShotInput})
		m.isLoading = true
		m.refreshViewport(false)
		return tea.Batch(m.spinner.Tick, sendPromptCmd(m.ctx, m.promptFn, m.oneShotInput))
	}

	return bootTickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		return m, m.advanceBoot()
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			if handled := m.handleViewportMouse(typed); handled {
				return m, nil
			}
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		// The boot animation swallows input, and one-shot mode has no
		// composer to type into.
		if m.booting || m.mode == modeOneShot {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}
		if typed.String() == "enter" {
			return m.submitPrompt()
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	switch typed := msg.(type) {
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case pushMsg:
		content := strings.TrimSpace(typed.content)
		if content == "" {
			return m, cmd
		}
		m.messages = append(m.messages, chatMessage{role: roleAssistant, content: content})
		m.refreshViewport(false)
		return m, cmd
	case promptResultMsg:
		m.isLoading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.messages = append(m.messages, chatMessage{role: roleError, content: typed.err.Error()})
		} else {
			m.lastErr = ""
			m.appendPromptResult(typed.result)
		}
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
	}

	return m, cmd
}

func (m *model) advanceBoot() tea.Cmd {
	if !m.booting {
		return nil
	}

	m.bootStep++
	if m.bootStep < len(bootScriptLines())+1 {
		return bootTickCmd()
	}

	m.booting = false
	if m.mode == modeInteractive {
		return textinput.Blink
	}

	return nil
}

func (m *model) submitPrompt() (tea.Model, tea.Cmd) {
	if m.isLoading {
		return m, nil
	}

	prompt := strings.TrimSpace(m.input.Value())
	if prompt == "" {
		return m, nil
	}
	if isExitCommand(prompt) {
		return m, tea.Quit
	}

	m.lastErr = ""
	m.messages = append(m.messages, chatMessage{role: roleUser, content: prompt})
	m.input.SetValue("")
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)
	return m, tea.Batch(m.spinner.Tick, sendPromptCmd(m.ctx, m.promptFn, prompt))
}

// appendPromptResult turns one prompt receipt into chat cards: tool
// activity first, then the reply text. An empty Text means the reply
// already arrived as a push, so only the usage counters move.
func (m *model) appendPromptResult(result providertypes.PromptResult) {
	if activity := formatToolEvents(result.Metadata.ToolEvents); activity != "" {
		m.messages = append(m.messages, chatMessage{role: roleTool, content: activity})
	}

	if text := strings.TrimSpace(result.Text); text != "" {
		m.messages = append(m.messages, chatMessage{role: roleAssistant, content: text, usage: result.Metadata.Usage})
	}

	if usage := result.Metadata.Usage; usage != nil {
		m.usageIn += usage.InputTokens
		m.usageOut += usage.OutputTokens
		m.usageTotal += usage.TotalTokens
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	stats := fmt.Sprintf(
		"agent:%s · provider:%s · model:%s · turns:%d · tokens(in/out/total):%d/%d/%d",
		displayOrNA(m.runtime.AgentType),
		displayOrNA(m.runtime.Provider),
		displayOrNA(m.runtime.Model),
		conversationTurns(m.messages),
		m.usageIn,
		m.usageOut,
		m.usageTotal,
	)

	parts := append(
		m.chrome(stats),
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		m.statusLine(),
	)
	if m.mode == modeInteractive {
		parts = append(parts,
			m.theme.inputLabel.Render("👨🏻 You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
			m.theme.input.Width(m.width-2).Render(m.input.View()),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// chrome renders the shared header block: title, meta line, divider.
func (m *model) chrome(meta string) []string {
	return []string{
		m.theme.header.Width(m.width - 2).Render("📟 Pincer Command Center"),
		m.theme.headerMeta.Render(meta),
		m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2))),
	}
}

func (m *model) statusLine() string {
	if m.lastErr != "" {
		return m.theme.statusErr.Render("🚨 last request failed - try again")
	}
	if m.isLoading {
		return m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ generating response...", m.spinner.View()))
	}

	return m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn or wheel scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	h = max(8, h)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

type cardSpec struct {
	label string
	title lipgloss.Style
	box   lipgloss.Style
}

func (m *model) cardSpecFor(role string) (cardSpec, bool) {
	switch role {
	case roleUser:
		return cardSpec{label: "▛▚ [ 👨🏻 ] ▞▜", title: m.theme.userTitle, box: m.theme.userBox}, true
	case roleAssistant:
		return cardSpec{label: "▛▚ [ 🦀 ] ▞▜", title: m.theme.assistantTitle, box: m.theme.assistantBox}, true
	case roleTool:
		return cardSpec{label: "▛▚ [ 🛠 ] ▞▜", title: m.theme.toolTitle, box: m.theme.toolBox}, true
	case roleError:
		return cardSpec{label: "▛▚ [ERROR] ▞▜", title: m.theme.errorTitle, box: m.theme.errorBox}, true
	default:
		return cardSpec{}, false
	}
}

func (m *model) messageCard(item chatMessage) (string, bool) {
	spec, ok := m.cardSpecFor(item.role)
	if !ok {
		return "", false
	}

	body := strings.TrimSpace(item.content)
	if item.role == roleAssistant && item.usage != nil {
		body = strings.TrimSpace(body + "\n\n" + m.theme.hint.Render(formatUsageLine(*item.usage)))
	}

	return m.renderCard(spec.title.Render(spec.label), spec.box.Width(m.viewport.Width).Render(body)), true
}

// refreshViewport rebuilds the scrollback. When the user has scrolled
// away the previous offset is kept, clamped to the new content height.
func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.messages))
	for _, item := range m.messages {
		if card, ok := m.messageCard(item); ok {
			sections = append(sections, card)
		}
	}
	m.viewport.SetContent(strings.Join(sections, "\n\n"))

	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.renderCard(
		m.theme.userTitle.Render("▛▚ [SENT] ▞▜"),
		m.theme.userBox.Width(contentWidth).Render(strings.TrimSpace(m.oneShotInput)),
	)}

	if m.isLoading {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ sending prompt and waiting for answer...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	if m.lastErr != "" {
		parts = append(parts,
			m.renderCard(
				m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
				m.theme.errorBox.Width(contentWidth).Render(strings.TrimSpace(m.lastErr)),
			),
		)
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	parts = append(parts,
		m.renderCard(
			m.theme.assistantTitle.Render("▛▚ [ANSWER] ▞▜"),
			m.theme.assistantBox.Width(contentWidth).Render(m.lastAssistantText()),
		),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) lastAssistantText() string {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == roleAssistant {
			return strings.TrimSpace(m.messages[i].content)
		}
	}

	return "(reply delivered through a channel push)"
}

func (m *model) bootView() string {
	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ command center online"))
	}

	parts := append(
		m.chrome("boot sequence"),
		m.theme.viewport.Width(m.width-2).Render(strings.Join(visible, "\n")),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - wheelScrollLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + wheelScrollLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] power rails stable",
		"[BOOT] loading retro renderer",
		"[BOOT] calibrating message bus",
		"[BOOT] arming pincer core",
	}
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func sendPromptCmd(ctx context.Context, promptFn PromptFunc, prompt string) tea.Cmd {
	return func() tea.Msg {
		result, err := promptFn(ctx, prompt)
		return promptResultMsg{result: result, err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == roleUser {
			count++
		}
	}

	return count
}

func formatUsageLine(usage providertypes.TokenUsage) string {
	return fmt.Sprintf("tokens in/out/total: %d/%d/%d", usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
}

// formatToolEvents keeps one line per finished tool call; call events
// only duplicate the tool name.
func formatToolEvents(events []providertypes.ToolEvent) string {
	lines := make([]string, 0, len(events))
	for _, event := range events {
		if event.Kind != "result" {
			continue
		}

		line := event.Tool
		if event.DurationMs > 0 {
			line = fmt.Sprintf("%s · %dms", line, event.DurationMs)
		}
		if payload := strings.TrimSpace(event.Payload); payload != "" {
			line = line + "  " + flattenPayload(payload)
		}
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func flattenPayload(payload string) string {
	flat := strings.Join(strings.Fields(payload), " ")
	runes := []rune(flat)
	if len(runes) <= toolPayloadLimit {
		return flat
	}

	return string(runes[:toolPayloadLimit]) + "..."
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
