package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

const maxExecOutput = 10000

// ExecToolConfig holds configurable options for ExecTool.
type ExecToolConfig struct {
	DenyPatterns    []string // additional regex deny patterns from config
	AllowPatterns   []string // if set, only matching commands are allowed
	MaxTimeout      int      // seconds, default 60
	DisableDenyList bool     // turn off the builtin deny patterns
}

// ExecTool runs shell commands with a deny-pattern guard, optional workspace
// confinement, a timeout, and a hard output cap.
type ExecTool struct {
	workingDir          string
	timeout             time.Duration
	denyPatterns        []*regexp.Regexp
	allowPatterns       []*regexp.Regexp
	restrictToWorkspace bool
}

var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(format|mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

var commandPathPattern = regexp.MustCompile(`[A-Za-z]:\\[^\\\"']+|/[^\s\"']+`)

func NewExecTool(workingDir string, restrict bool) *ExecTool {
	return NewExecToolWithConfig(workingDir, restrict, ExecToolConfig{})
}

func NewExecToolWithConfig(workingDir string, restrict bool, cfg ExecToolConfig) *ExecTool {
	var denyPatterns []*regexp.Regexp
	if !cfg.DisableDenyList {
		denyPatterns = make([]*regexp.Regexp, len(defaultDenyPatterns))
		copy(denyPatterns, defaultDenyPatterns)
	}

	for _, p := range cfg.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Default().Warn("Ignoring invalid exec deny pattern",
				"component", "tools",
				"pattern", p,
				"error", err.Error(),
			)
			continue
		}
		denyPatterns = append(denyPatterns, re)
	}

	var allowPatterns []*regexp.Regexp
	for _, p := range cfg.AllowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		allowPatterns = append(allowPatterns, re)
	}

	timeout := 60 * time.Second
	if cfg.MaxTimeout > 0 {
		timeout = time.Duration(cfg.MaxTimeout) * time.Second
	}

	return &ExecTool{
		workingDir:          workingDir,
		timeout:             timeout,
		denyPatterns:        denyPatterns,
		allowPatterns:       allowPatterns,
		restrictToWorkspace: restrict,
	}
}

func (t *ExecTool) Name() string {
	return "exec"
}

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (t *ExecTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) string {
	command, _ := args["command"].(string)

	cwd := t.workingDir
	if wd, ok := args["working_dir"].(string); ok && wd != "" {
		cwd = wd
	}
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	if guardError := t.guardCommand(command, cwd); guardError != "" {
		slog.Default().Warn("Shell command blocked",
			"component", "tools",
			"reason", guardError,
		)
		return guardError
	}

	cmdCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, "powershell", "-NoProfile", "-NonInteractive", "-Command", command)
	} else {
		cmd = exec.CommandContext(cmdCtx, "sh", "-c", command)
	}
	if cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if cmdCtx.Err() == context.DeadlineExceeded {
		slog.Default().Warn("Shell command timed out",
			"component", "tools",
			"timeout", t.timeout.String(),
		)
		return fmt.Sprintf("Command timed out after %v", t.timeout)
	}

	output := stdout.String()
	if strings.TrimSpace(stderr.String()) != "" {
		output += "\nSTDERR:\n" + stderr.String()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			output += fmt.Sprintf("\nExit code: %d", exitErr.ExitCode())
		} else {
			output += fmt.Sprintf("\nError: %v", runErr)
		}
	}

	if output == "" {
		output = "(no output)"
	}

	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + fmt.Sprintf("\n... (truncated, %d more chars)", len(output)-maxExecOutput)
	}

	slog.Default().Debug("Shell command finished",
		"component", "tools",
		"success", runErr == nil,
		"duration_ms", elapsed.Milliseconds(),
	)

	return output
}

// guardCommand is a best-effort filter for obviously destructive commands.
// It returns an error string when the command is blocked, or "" to proceed.
func (t *ExecTool) guardCommand(command, cwd string) string {
	cmd := strings.TrimSpace(command)
	lower := strings.ToLower(cmd)

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(lower) {
			return "Command blocked by safety guard (dangerous pattern detected)"
		}
	}

	if len(t.allowPatterns) > 0 {
		allowed := false
		for _, pattern := range t.allowPatterns {
			if pattern.MatchString(lower) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "Command blocked by safety guard (not in allowlist)"
		}
	}

	if t.restrictToWorkspace {
		if strings.Contains(cmd, "..\\") || strings.Contains(cmd, "../") {
			return "Command blocked by safety guard (path traversal detected)"
		}

		cwdPath, err := filepath.Abs(cwd)
		if err != nil {
			return ""
		}

		for _, raw := range commandPathPattern.FindAllString(cmd, -1) {
			p, err := filepath.Abs(raw)
			if err != nil {
				continue
			}

			rel, err := filepath.Rel(cwdPath, p)
			if err != nil {
				continue
			}

			if strings.HasPrefix(rel, "..") {
				return "Command blocked by safety guard (path outside working dir)"
			}
		}
	}

	return ""
}

func (t *ExecTool) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}
