package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryDirName = "memory"

// MemoryStore is the agent's file-backed memory under the workspace:
// MEMORY.md for long-term facts plus one YYYY-MM-DD.md note file per day.
// The files are plain markdown so the agent can also read and edit them
// through its filesystem tools.
type MemoryStore struct {
	mu        sync.Mutex
	memoryDir string
}

// NewMemoryStore ensures the memory directory exists under the workspace.
func NewMemoryStore(workspaceRoot string) (*MemoryStore, error) {
	dir := filepath.Join(workspaceRoot, memoryDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	return &MemoryStore{memoryDir: dir}, nil
}

// Dir returns the memory directory path.
func (m *MemoryStore) Dir() string {
	return m.memoryDir
}

// LongTermPath returns the MEMORY.md path.
func (m *MemoryStore) LongTermPath() string {
	return filepath.Join(m.memoryDir, "MEMORY.md")
}

// TodayPath returns today's note file path.
func (m *MemoryStore) TodayPath() string {
	return filepath.Join(m.memoryDir, time.Now().Format("2006-01-02")+".md")
}

// ReadLongTerm returns MEMORY.md's content, empty when absent.
func (m *MemoryStore) ReadLongTerm() string {
	return readIfExists(m.LongTermPath())
}

// WriteLongTerm replaces MEMORY.md.
func (m *MemoryStore) WriteLongTerm(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return os.WriteFile(m.LongTermPath(), []byte(content), 0o644)
}

// ReadToday returns today's note content, empty when absent.
func (m *MemoryStore) ReadToday() string {
	return readIfExists(m.TodayPath())
}

// AppendToday appends to today's note, creating it with a date header on
// first write. Appends are serialized so concurrent turns cannot clobber
// each other.
func (m *MemoryStore) AppendToday(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.TodayPath()
	existing := readIfExists(path)
	if existing != "" {
		content = existing + "\n" + content
	} else {
		content = "# " + time.Now().Format("2006-01-02") + "\n\n" + content
	}

	return os.WriteFile(path, []byte(content), 0o644)
}

// RecentMemories joins the last N days of notes, newest first.
func (m *MemoryStore) RecentMemories(days int) string {
	var parts []string
	today := time.Now()

	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		if content := readIfExists(filepath.Join(m.memoryDir, date+".md")); content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// NoteFiles lists daily note paths, newest first.
func (m *MemoryStore) NoteFiles() []string {
	matches, err := filepath.Glob(filepath.Join(m.memoryDir, "????-??-??.md"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

// Context returns the memory block for the system prompt: long-term memory
// followed by today's notes, omitting empty sections.
func (m *MemoryStore) Context() string {
	var parts []string

	if longTerm := m.ReadLongTerm(); longTerm != "" {
		parts = append(parts, "## Long-term Memory\n"+longTerm)
	}
	if today := m.ReadToday(); today != "" {
		parts = append(parts, "## Today's Notes\n"+today)
	}

	return strings.Join(parts, "\n\n")
}

func readIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return string(data)
}
