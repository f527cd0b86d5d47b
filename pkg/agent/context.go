package agent

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pincer/pkg/agent/profile"
	"pincer/pkg/provider/types"
)

// Workspace files folded into the system prompt, in load order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// ContextBuilder assembles the model call payload: identity, bootstrap
// files, memory, skills, then the conversation itself. Skills load
// progressively; only always-on skills are inlined in full.
type ContextBuilder struct {
	workspace string
	memory    *MemoryStore
	skills    *SkillsLoader
}

func NewContextBuilder(workspaceRoot string) (*ContextBuilder, error) {
	memory, err := NewMemoryStore(workspaceRoot)
	if err != nil {
		return nil, err
	}

	return &ContextBuilder{
		workspace: workspaceRoot,
		memory:    memory,
		skills:    NewSkillsLoader(workspaceRoot),
	}, nil
}

// Memory exposes the builder's memory store.
func (b *ContextBuilder) Memory() *MemoryStore {
	return b.memory
}

// Skills exposes the builder's skills loader.
func (b *ContextBuilder) Skills() *SkillsLoader {
	return b.skills
}

// BuildSystemPrompt renders the full system prompt. Sections are joined
// with a markdown rule so the prompt stays readable when dumped.
func (b *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{b.identity()}

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	if memory := b.memory.Context(); memory != "" {
		parts = append(parts, "# Memory\n\n"+memory)
	}

	if always := b.skills.AlwaysSkills(); len(always) > 0 {
		if content := b.skills.LoadForContext(always); content != "" {
			parts = append(parts, "# Active Skills\n\n"+content)
		}
	}

	if summary := b.skills.Summary(); summary != "" {
		parts = append(parts, "# Skills\n\n"+
			"The following skills extend your capabilities. To use a skill, read its SKILL.md file using the read_file tool.\n"+
			"Skills with available=\"false\" need dependencies installed first - you can try installing them with apt/brew.\n\n"+
			summary)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages assembles one model call: system prompt, prior session
// turns, then the current user turn with optional inline media.
func (b *ContextBuilder) BuildMessages(history []types.Message, current string, media []string) []types.Message {
	messages := make([]types.Message, 0, len(history)+2)
	messages = append(messages, types.Message{Role: types.RoleSystem, Content: b.BuildSystemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, types.Message{Role: types.RoleUser, Content: buildUserContent(current, media)})

	return messages
}

// AppendAssistantTurn appends an assistant message, carrying any tool
// calls the model requested.
func AppendAssistantTurn(messages []types.Message, content string, toolCalls []types.ToolCall) []types.Message {
	return append(messages, types.Message{
		Role:      types.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	})
}

// AppendToolResult appends one tool result turn keyed to its call id.
func AppendToolResult(messages []types.Message, callID, name, result string) []types.Message {
	return append(messages, types.Message{
		Role:       types.RoleTool,
		ToolCallID: callID,
		Name:       name,
		Content:    result,
	})
}

func (b *ContextBuilder) identity() string {
	template, err := profile.ResolveSystemProfile(profile.Main)
	if err != nil {
		// Embedded templates only fail to load when the build is broken.
		template = "# pincer\n\nYou are pincer, a helpful AI assistant."
	}

	return profile.Render(template, map[string]string{
		"current_time": time.Now().UTC().Format("2006-01-02 15:04 (Monday)"),
		"workspace":    b.workspace,
	})
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, filename := range bootstrapFiles {
		if content := readIfExists(filepath.Join(b.workspace, filename)); content != "" {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, content))
		}
	}

	return strings.Join(parts, "\n\n")
}

// buildUserContent inlines image attachments as base64 data URLs. Other
// attachments degrade to a plain-text note so the model still knows they
// were there.
func buildUserContent(text string, media []string) any {
	if len(media) == 0 {
		return text
	}

	var images []types.ContentPart
	var notes []string

	for _, path := range media {
		data, err := os.ReadFile(path)
		if err != nil {
			notes = append(notes, fmt.Sprintf("[attachment unavailable: %s]", filepath.Base(path)))
			continue
		}

		mimeType := sniffMIME(path, data)
		if !strings.HasPrefix(mimeType, "image/") {
			notes = append(notes, fmt.Sprintf("[attachment: %s (%s)]", filepath.Base(path), mimeType))
			continue
		}

		images = append(images, types.ContentPart{
			Type:     "image_url",
			ImageURL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
		})
	}

	if len(notes) > 0 {
		text = strings.TrimSpace(text + "\n\n" + strings.Join(notes, "\n"))
	}
	if len(images) == 0 {
		return text
	}

	return append(images, types.ContentPart{Type: "text", Text: text})
}

func sniffMIME(path string, data []byte) string {
	mimeType := http.DetectContentType(data)
	if mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
			return byExt
		}
	}

	return mimeType
}
