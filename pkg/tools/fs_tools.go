package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"pincer/pkg/tools/fs"
	"pincer/pkg/workspace"
)

// ReadFileTool reads a UTF-8 text file inside the workspace.
type ReadFileTool struct {
	service *fs.Service
	guard   *workspace.Guard
}

func NewReadFileTool(service *fs.Service, guard *workspace.Guard) *ReadFileTool {
	return &ReadFileTool{service: service, guard: guard}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read a UTF-8 text file from the workspace."
}

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	start := time.Now()

	result, err := t.service.ReadFile(ctx, path)
	if err != nil {
		logToolResult("read_file", path, false, time.Since(start), workspace.CategoryFromError(err))
		return toolErrorString(err)
	}

	relPath := safeRelPath(t.guard, result.Path)
	logToolResult("read_file", relPath, true, time.Since(start), "")
	return fmt.Sprintf("ok: read %d bytes from %s\n%s", result.Bytes, relPath, result.Content)
}

// WriteFileTool writes a whole text file inside the workspace.
type WriteFileTool struct {
	service *fs.Service
	guard   *workspace.Guard
}

func NewWriteFileTool(service *fs.Service, guard *workspace.Guard) *WriteFileTool {
	return &WriteFileTool{service: service, guard: guard}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write a full text file inside the workspace."
}

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	start := time.Now()

	result, err := t.service.WriteFile(ctx, path, content)
	if err != nil {
		logToolResult("write_file", path, false, time.Since(start), workspace.CategoryFromError(err))
		return toolErrorString(err)
	}

	relPath := safeRelPath(t.guard, result.Path)
	logToolResult("write_file", relPath, true, time.Since(start), "")
	return fmt.Sprintf("ok: wrote %d bytes to %s", result.BytesWritten, relPath)
}

// AppendFileTool appends text to a file inside the workspace, creating it
// when absent.
type AppendFileTool struct {
	service *fs.Service
	guard   *workspace.Guard
}

func NewAppendFileTool(service *fs.Service, guard *workspace.Guard) *AppendFileTool {
	return &AppendFileTool{service: service, guard: guard}
}

func (t *AppendFileTool) Name() string {
	return "append_file"
}

func (t *AppendFileTool) Description() string {
	return "Append text to a file inside the workspace."
}

func (t *AppendFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Text to append at the end of the file.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	start := time.Now()

	result, err := t.service.AppendFile(ctx, path, content)
	if err != nil {
		logToolResult("append_file", path, false, time.Since(start), workspace.CategoryFromError(err))
		return toolErrorString(err)
	}

	relPath := safeRelPath(t.guard, result.Path)
	logToolResult("append_file", relPath, true, time.Since(start), "")
	return fmt.Sprintf("ok: appended %d bytes to %s (size=%d)", result.BytesAppended, relPath, result.Size)
}

// ListDirTool lists directory entries inside the workspace.
type ListDirTool struct {
	service *fs.Service
	guard   *workspace.Guard
}

func NewListDirTool(service *fs.Service, guard *workspace.Guard) *ListDirTool {
	return &ListDirTool{service: service, guard: guard}
}

func (t *ListDirTool) Name() string {
	return "list_dir"
}

func (t *ListDirTool) Description() string {
	return "List directory entries inside the workspace."
}

func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace root. Defaults to '.' when omitted.",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	start := time.Now()

	result, err := t.service.ListDir(ctx, path)
	if err != nil {
		logToolResult("list_dir", path, false, time.Since(start), workspace.CategoryFromError(err))
		return toolErrorString(err)
	}

	relPath := safeRelPath(t.guard, result.Path)

	var b strings.Builder
	fmt.Fprintf(&b, "ok: listed %d entries in %s", len(result.Entries), relPath)
	if result.Truncated {
		fmt.Fprintf(&b, " (truncated from %d)", result.Total)
	}
	for _, entry := range result.Entries {
		fmt.Fprintf(&b, "\n- %s\t%s\t%d", entry.Name, entry.Type, entry.Size)
	}

	logToolResult("list_dir", relPath, true, time.Since(start), "")
	return b.String()
}

// EditFileTool replaces exact text in a workspace file. A non-unique match
// without replace_all is rejected so the model cannot silently edit the
// wrong occurrence.
type EditFileTool struct {
	service *fs.Service
	guard   *workspace.Guard
}

func NewEditFileTool(service *fs.Service, guard *workspace.Guard) *EditFileTool {
	return &EditFileTool{service: service, guard: guard}
}

func (t *EditFileTool) Name() string {
	return "edit_file"
}

func (t *EditFileTool) Description() string {
	return "Replace exact text in a file inside the workspace."
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace all matches when true. Default false requires exactly one match.",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	start := time.Now()

	result, err := t.service.EditFile(ctx, path, oldText, newText, replaceAll)
	if err != nil {
		logToolResult("edit_file", path, false, time.Since(start), workspace.CategoryFromError(err))
		return toolErrorString(err)
	}

	relPath := safeRelPath(t.guard, result.Path)
	logToolResult("edit_file", relPath, true, time.Since(start), "")
	return fmt.Sprintf("ok: replaced %d match(es) in %s", result.ReplacedCount, relPath)
}

// toolErrorString renders a workspace error with its category prefix so the
// model sees which class of failure occurred.
func toolErrorString(err error) string {
	if err == nil {
		return workspace.ErrorIO + ": unknown error"
	}

	category := workspace.CategoryFromError(err)
	if category == "" {
		category = workspace.ErrorIO
	}

	message := err.Error()
	if !strings.Contains(message, category+":") && !strings.HasPrefix(message, category) {
		message = category + ": " + message
	}

	return message
}

func safeRelPath(guard *workspace.Guard, path string) string {
	if guard == nil {
		return filepath.Clean(path)
	}

	return guard.RelPath(path)
}

func logToolResult(toolName string, targetPath string, success bool, duration time.Duration, errorCategory string) {
	attrs := []any{
		"component", "tools",
		"tool", toolName,
		"path", filepath.Clean(strings.TrimSpace(targetPath)),
		"success", success,
		"duration_ms", duration.Milliseconds(),
	}
	if errorCategory != "" {
		attrs = append(attrs, "error_category", errorCategory)
	}

	slog.Default().Debug("Filesystem tool finished", attrs...)
}
