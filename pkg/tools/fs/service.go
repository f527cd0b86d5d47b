package fs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"pincer/pkg/workspace"
)

// Operation bounds. Files past these limits are the shell tool's
// territory, not the file tools'.
const (
	MaxReadBytes             = 256 * 1024
	MaxWriteBytes            = 1024 * 1024
	MaxListEntries           = 500
	MaxToolOperationDuration = 10 * time.Second
)

// Service executes bounded filesystem operations inside a workspace.
// Every path is resolved through the guard before any IO happens, and
// every error carries a stable workspace category.
type Service struct {
	guard                    *workspace.Guard
	maxReadBytes             int
	maxWriteBytes            int
	maxListEntries           int
	maxToolOperationDuration time.Duration
}

// NewService creates a workspace-bounded filesystem service.
func NewService(guard *workspace.Guard) *Service {
	return &Service{
		guard:                    guard,
		maxReadBytes:             MaxReadBytes,
		maxWriteBytes:            MaxWriteBytes,
		maxListEntries:           MaxListEntries,
		maxToolOperationDuration: MaxToolOperationDuration,
	}
}

type ReadResult struct {
	Path    string
	Content string
	Bytes   int
}

// ReadFile returns the UTF-8 content of a workspace file. Binary files
// and files past the read limit are refused.
func (s *Service) ReadFile(ctx context.Context, path string) (ReadResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return ReadResult{}, err
	}
	if err := ctxErr(ctx); err != nil {
		return ReadResult{}, err
	}

	content, err := os.ReadFile(resolvedPath)
	if err != nil {
		return ReadResult{}, workspace.NormalizeIOError(err, "read failed")
	}
	if len(content) > s.maxReadBytes {
		return ReadResult{}, s.limitError("file exceeds max_read_bytes (%d)", s.maxReadBytes)
	}
	if err := ensureText(content); err != nil {
		return ReadResult{}, err
	}

	return ReadResult{Path: resolvedPath, Content: string(content), Bytes: len(content)}, nil
}

type WriteResult struct {
	Path         string
	BytesWritten int
}

// WriteFile atomically replaces a workspace file, creating parent
// directories as needed. An existing file keeps its permission bits.
func (s *Service) WriteFile(ctx context.Context, path string, content string) (WriteResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if len(content) > s.maxWriteBytes {
		return WriteResult{}, s.limitError("content exceeds max_write_bytes (%d)", s.maxWriteBytes)
	}
	if err := ctxErr(ctx); err != nil {
		return WriteResult{}, err
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return WriteResult{}, err
	}

	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(resolvedPath); statErr == nil {
		mode = info.Mode().Perm()
	} else if !os.IsNotExist(statErr) {
		return WriteResult{}, workspace.NormalizeIOError(statErr, "stat failed")
	}

	if err := os.MkdirAll(filepath.Dir(resolvedPath), 0o755); err != nil {
		return WriteResult{}, workspace.NormalizeIOError(err, "create parent directory failed")
	}
	if err := s.commit(resolvedPath, []byte(content), mode); err != nil {
		return WriteResult{}, err
	}

	return WriteResult{Path: resolvedPath, BytesWritten: len(content)}, nil
}

type AppendResult struct {
	Path          string
	BytesAppended int
	Size          int64
}

// AppendFile appends to a workspace file, creating it when missing, and
// reports the file's resulting size.
func (s *Service) AppendFile(ctx context.Context, path string, content string) (AppendResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if len(content) > s.maxWriteBytes {
		return AppendResult{}, s.limitError("content exceeds max_write_bytes (%d)", s.maxWriteBytes)
	}
	if err := ctxErr(ctx); err != nil {
		return AppendResult{}, err
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return AppendResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(resolvedPath), 0o755); err != nil {
		return AppendResult{}, workspace.NormalizeIOError(err, "create parent directory failed")
	}
	if err := s.guard.EnsureContained(resolvedPath); err != nil {
		return AppendResult{}, err
	}

	file, err := os.OpenFile(resolvedPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return AppendResult{}, workspace.NormalizeIOError(err, "open append target failed")
	}
	defer file.Close()

	bytesAppended, err := file.WriteString(content)
	if err != nil {
		return AppendResult{}, workspace.NormalizeIOError(err, "append failed")
	}

	info, err := file.Stat()
	if err != nil {
		return AppendResult{}, workspace.NormalizeIOError(err, "stat append target failed")
	}

	return AppendResult{Path: resolvedPath, BytesAppended: bytesAppended, Size: info.Size()}, nil
}

type ListEntry struct {
	Name  string
	Type  string
	Size  int64
	IsDir bool
}

type ListResult struct {
	Path      string
	Entries   []ListEntry
	Truncated bool
	Total     int
}

// ListDir lists a workspace directory sorted by name, capped at the
// entry limit. Total always reflects the uncapped count.
func (s *Service) ListDir(ctx context.Context, path string) (ListResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if strings.TrimSpace(path) == "" {
		path = "."
	}
	if err := ctxErr(ctx); err != nil {
		return ListResult{}, err
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return ListResult{}, err
	}

	entries, err := os.ReadDir(resolvedPath)
	if err != nil {
		return ListResult{}, workspace.NormalizeIOError(err, "list directory failed")
	}
	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	limited := entries
	truncated := false
	if len(entries) > s.maxListEntries {
		limited = entries[:s.maxListEntries]
		truncated = true
	}

	listed := make([]ListEntry, 0, len(limited))
	for _, entry := range limited {
		info, infoErr := entry.Info()
		if infoErr != nil {
			return ListResult{}, workspace.NormalizeIOError(infoErr, "read directory metadata failed")
		}

		kind := "file"
		if entry.IsDir() {
			kind = "dir"
		}
		listed = append(listed, ListEntry{
			Name:  entry.Name(),
			Type:  kind,
			Size:  info.Size(),
			IsDir: entry.IsDir(),
		})
	}

	return ListResult{Path: resolvedPath, Entries: listed, Truncated: truncated, Total: len(entries)}, nil
}

type EditResult struct {
	Path          string
	Matches       int
	ReplacedCount int
	BytesWritten  int
}

// EditFile replaces oldText in a workspace file. Without replaceAll the
// match must be unique; several matches are an ambiguity error so the
// caller can send a more specific old text instead of guessing.
func (s *Service) EditFile(ctx context.Context, path string, oldText string, newText string, replaceAll bool) (EditResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if oldText == "" {
		return EditResult{}, workspace.NewError(workspace.ErrorInvalidPath, "old_text must not be empty")
	}
	if err := ctxErr(ctx); err != nil {
		return EditResult{}, err
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return EditResult{}, err
	}

	raw, err := os.ReadFile(resolvedPath)
	if err != nil {
		return EditResult{}, workspace.NormalizeIOError(err, "read failed")
	}
	if err := ensureText(raw); err != nil {
		return EditResult{}, err
	}

	original := string(raw)
	matches := strings.Count(original, oldText)
	switch {
	case matches == 0:
		return EditResult{}, workspace.NewError(workspace.ErrorEditNotFound, "old_text not found")
	case matches > 1 && !replaceAll:
		return EditResult{}, workspace.NewError(workspace.ErrorAmbiguousEdit, "old_text matched multiple locations")
	}

	updated := strings.Replace(original, oldText, newText, 1)
	replaced := 1
	if replaceAll {
		updated = strings.ReplaceAll(original, oldText, newText)
		replaced = matches
	}
	if len(updated) > s.maxWriteBytes {
		return EditResult{}, s.limitError("content exceeds max_write_bytes (%d)", s.maxWriteBytes)
	}

	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(resolvedPath); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := s.commit(resolvedPath, []byte(updated), mode); err != nil {
		return EditResult{}, err
	}

	return EditResult{
		Path:          resolvedPath,
		Matches:       matches,
		ReplacedCount: replaced,
		BytesWritten:  len(updated),
	}, nil
}

// commit re-checks containment and writes the file atomically. The
// second containment check covers paths whose parents appeared between
// resolution and write.
func (s *Service) commit(resolvedPath string, data []byte, mode os.FileMode) error {
	if err := s.guard.EnsureContained(resolvedPath); err != nil {
		return err
	}
	if err := atomicWrite(resolvedPath, data, mode); err != nil {
		return workspace.NormalizeIOError(err, "write failed")
	}

	return nil
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.maxToolOperationDuration <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.maxToolOperationDuration)
}

func (s *Service) limitError(format string, limit int) error {
	return workspace.NewError(workspace.ErrorIO, fmt.Sprintf(format, limit))
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return workspace.NewError(workspace.ErrorIO, err.Error())
	}

	return nil
}

// ensureText rejects binary or invalid UTF-8 content; edits over binary
// data would silently corrupt it.
func ensureText(content []byte) error {
	if bytes.IndexByte(content, 0) >= 0 || !utf8.Valid(content) {
		return workspace.NewError(workspace.ErrorIO, "file appears to be binary or invalid utf-8")
	}

	return nil
}

// atomicWrite writes through a same-directory temp file and rename so a
// crash never leaves a half-written target.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pincer-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	cleanup = false
	return nil
}
