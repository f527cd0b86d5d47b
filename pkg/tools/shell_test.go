package tools

import (
	"context"
	"strings"
	"testing"
)

func TestExecRunsCommand(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	result := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if strings.TrimSpace(result) != "hello" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecNoOutput(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	result := tool.Execute(context.Background(), map[string]any{"command": "true"})
	if result != "(no output)" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecReportsExitCode(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	result := tool.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if !strings.Contains(result, "Exit code: 3") {
		t.Fatalf("result = %q", result)
	}
}

func TestExecCapturesStderr(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	result := tool.Execute(context.Background(), map[string]any{"command": "echo oops 1>&2"})
	if !strings.Contains(result, "STDERR:\noops") {
		t.Fatalf("result = %q", result)
	}
}

func TestExecBlocksDangerousCommands(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	blocked := []string{
		"rm -rf /",
		"sudo mkfs /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown -h now",
		":(){ :|:& };:",
	}
	for _, command := range blocked {
		result := tool.Execute(context.Background(), map[string]any{"command": command})
		if result != "Command blocked by safety guard (dangerous pattern detected)" {
			t.Fatalf("command %q: result = %q", command, result)
		}
	}
}

func TestExecCustomDenyPattern(t *testing.T) {
	tool := NewExecToolWithConfig(t.TempDir(), false, ExecToolConfig{
		DenyPatterns: []string{`\bgit\s+push\b`},
	})

	result := tool.Execute(context.Background(), map[string]any{"command": "git push origin main"})
	if result != "Command blocked by safety guard (dangerous pattern detected)" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecInvalidCustomPatternIsIgnored(t *testing.T) {
	tool := NewExecToolWithConfig(t.TempDir(), false, ExecToolConfig{
		DenyPatterns: []string{`([`},
	})

	result := tool.Execute(context.Background(), map[string]any{"command": "echo fine"})
	if strings.TrimSpace(result) != "fine" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecAllowlist(t *testing.T) {
	tool := NewExecToolWithConfig(t.TempDir(), false, ExecToolConfig{
		AllowPatterns: []string{`^echo\b`},
	})

	if result := tool.Execute(context.Background(), map[string]any{"command": "echo yes"}); strings.TrimSpace(result) != "yes" {
		t.Fatalf("allowed command result = %q", result)
	}

	result := tool.Execute(context.Background(), map[string]any{"command": "ls"})
	if result != "Command blocked by safety guard (not in allowlist)" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecRestrictBlocksTraversal(t *testing.T) {
	tool := NewExecTool(t.TempDir(), true)

	result := tool.Execute(context.Background(), map[string]any{"command": "cat ../secret.txt"})
	if result != "Command blocked by safety guard (path traversal detected)" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecRestrictBlocksOutsidePaths(t *testing.T) {
	tool := NewExecTool(t.TempDir(), true)

	result := tool.Execute(context.Background(), map[string]any{"command": "cat /etc/hostname"})
	if result != "Command blocked by safety guard (path outside working dir)" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecWorkingDirOverride(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()
	tool := NewExecTool(base, false)

	result := tool.Execute(context.Background(), map[string]any{
		"command":     "pwd",
		"working_dir": other,
	})
	if strings.TrimSpace(result) != other {
		t.Fatalf("result = %q, want %q", result, other)
	}
}

func TestExecTimeout(t *testing.T) {
	tool := NewExecToolWithConfig(t.TempDir(), false, ExecToolConfig{MaxTimeout: 1})

	result := tool.Execute(context.Background(), map[string]any{"command": "sleep 5"})
	if result != "Command timed out after 1s" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecTruncatesLongOutput(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)

	result := tool.Execute(context.Background(), map[string]any{
		"command": "head -c 20000 /dev/zero | tr '\\0' 'x'",
	})
	if len(result) > maxExecOutput+100 {
		t.Fatalf("result length = %d, cap not applied", len(result))
	}
	if !strings.Contains(result, "... (truncated,") {
		t.Fatalf("result missing truncation marker: %q", result[len(result)-80:])
	}
}
