package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultWorkspaceDirName = ".pincer/workspace"

// Guard canonicalizes tool paths against the agent workspace root.
// Symlinks are resolved before the containment check, so a link inside
// the workspace cannot smuggle an operation outside it.
type Guard struct {
	rootPath            string
	restrictToWorkspace bool
}

// NewGuard resolves a workspace path and ensures the directory exists.
func NewGuard(workspacePath string) (*Guard, error) {
	return NewGuardWithPolicy(workspacePath, true)
}

// NewGuardWithPolicy resolves a workspace path and applies containment
// policy. With restriction off the guard still canonicalizes paths but
// lets them leave the workspace root.
func NewGuardWithPolicy(workspacePath string, restrictToWorkspace bool) (*Guard, error) {
	resolved, err := ResolveRoot(workspacePath)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved, restrictToWorkspace: restrictToWorkspace}, nil
}

// ResolveRoot normalizes a workspace path, creating the directory when
// missing. An empty path falls back to ~/.pincer/workspace.
func ResolveRoot(workspacePath string) (string, error) {
	trimmed := strings.TrimSpace(workspacePath)
	if trimmed == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(homeDir, defaultWorkspaceDirName)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute workspace path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}

	// The root itself is resolved through symlinks once, so later
	// containment checks compare canonical paths on both sides.
	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", NormalizeIOError(err, "resolve workspace root")
	}

	return filepath.Clean(resolved), nil
}

// Root returns the normalized absolute workspace root path.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolvePath validates input and returns the canonical absolute path.
// Relative input is anchored at the workspace root.
func (g *Guard) ResolvePath(inputPath string) (string, error) {
	if g == nil {
		return "", NewError(ErrorIO, "workspace guard is nil")
	}

	trimmed := strings.TrimSpace(inputPath)
	if trimmed == "" {
		return "", NewError(ErrorInvalidPath, "path must not be empty")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.rootPath, candidate)
	}

	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", NewError(ErrorInvalidPath, "path could not be resolved")
	}

	return g.checkContained(filepath.Clean(absPath))
}

// EnsureContained re-checks containment right before a mutating write.
// Directories created after resolution can change what symlink
// evaluation sees, so writes verify again.
func (g *Guard) EnsureContained(path string) error {
	_, err := g.checkContained(path)
	return err
}

// checkContained canonicalizes path and applies the containment policy.
func (g *Guard) checkContained(path string) (string, error) {
	effectivePath, err := canonicalPath(path)
	if err != nil {
		return "", err
	}

	if g.restrictToWorkspace && !isWithin(g.rootPath, effectivePath) {
		return "", NewError(ErrorOutsideWorkspace, "resolved path escapes workspace")
	}

	return effectivePath, nil
}

// RelPath returns a workspace-relative path when representable, for
// compact logging; anything outside comes back cleaned but absolute.
func (g *Guard) RelPath(path string) string {
	if g == nil {
		return filepath.Clean(path)
	}

	rel, err := filepath.Rel(g.rootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return filepath.Clean(path)
	}
	if rel == "." {
		return "."
	}

	return filepath.Clean(rel)
}

// canonicalPath resolves symlinks in path. For paths that do not exist
// yet, the nearest existing ancestor is resolved and the missing
// remainder is joined back on, so new-file writes still canonicalize.
func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", NormalizeIOError(err, "resolve path")
	}

	parent, remainder, splitErr := nearestExistingParent(path)
	if splitErr != nil {
		return "", splitErr
	}

	evaluatedParent, evalErr := filepath.EvalSymlinks(parent)
	if evalErr != nil {
		return "", NormalizeIOError(evalErr, "resolve path")
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

// nearestExistingParent walks up until a component exists and returns
// that ancestor plus the missing remainder below it.
func nearestExistingParent(path string) (string, string, error) {
	current := filepath.Clean(path)
	var missing []string

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(missing) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, missing[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		missing = append(missing, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", NewError(ErrorInvalidPath, "path could not be resolved")
}

func expandHome(path string) (string, error) {
	prefix := "~" + string(filepath.Separator)
	if path != "~" && !strings.HasPrefix(path, prefix) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
}

// isWithin reports whether target sits at or below root. Both sides
// must already be canonical.
func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return true
}
