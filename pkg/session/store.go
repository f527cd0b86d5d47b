package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pincer/pkg/provider/types"
)

// Session is one persisted conversation transcript.
type Session struct {
	Key      string          `json:"key"`
	Messages []types.Message `json:"messages"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`
}

// Store keeps sessions in memory and mirrors each one to a JSON file.
// A Store with an empty directory is purely in-memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      string
}

// NewStore loads any existing session files from dir. Corrupt or
// unreadable files are skipped with a warning so one bad file cannot
// take the whole store down.
func NewStore(dir string) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		dir:      dir,
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			storeLogger().Warn("session dir unavailable, running in-memory", "dir", dir, "error", err)
			s.dir = ""
			return s
		}
		s.loadSessions()
	}

	return s
}

func storeLogger() *slog.Logger {
	return slog.Default().With("component", "session")
}

// Dir returns the backing directory, empty for in-memory stores.
func (s *Store) Dir() string {
	return s.dir
}

// GetOrCreate returns the session for key, creating an empty one on first use.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[key]; ok {
		return existing
	}

	now := time.Now()
	created := &Session{
		Key:      key,
		Messages: []types.Message{},
		Created:  now,
		Updated:  now,
	}
	s.sessions[key] = created

	return created
}

// AddMessage appends a plain text turn to the session.
func (s *Store) AddMessage(key, role, content string) {
	s.AddFullMessage(key, types.Message{Role: role, Content: content})
}

// AddFullMessage appends a complete turn, creating the session if needed.
func (s *Store) AddFullMessage(key string, msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		session = &Session{
			Key:      key,
			Messages: []types.Message{},
			Created:  time.Now(),
		}
		s.sessions[key] = session
	}

	session.Messages = append(session.Messages, msg)
	session.Updated = time.Now()
}

// History returns a copy of the session's turns, empty for unknown keys.
func (s *Store) History(key string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return []types.Message{}
	}

	history := make([]types.Message, len(session.Messages))
	copy(history, session.Messages)

	return history
}

// Save writes the session's current state to disk. Saving an unknown key
// or saving on an in-memory store is a no-op.
func (s *Store) Save(key string) error {
	if s.dir == "" {
		return nil
	}

	// Snapshot under the read lock, do file I/O after releasing it.
	s.mu.RLock()
	stored, ok := s.sessions[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := cloneSession(stored)
	s.mu.RUnlock()

	return s.writeSnapshot(snapshot)
}

// Keys returns the known session keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}

	return keys
}

func (s *Store) loadSessions() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		storeLogger().Warn("failed to scan session dir", "dir", s.dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			storeLogger().Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			storeLogger().Warn("skipping corrupt session file", "file", entry.Name(), "error", err)
			continue
		}
		if session.Key == "" {
			storeLogger().Warn("skipping session file without key", "file", entry.Name())
			continue
		}

		s.sessions[session.Key] = &session
	}
}

func (s *Store) writeSnapshot(snapshot Session) error {
	filename := sanitizeFilename(snapshot.Key)

	// filepath.IsLocal rejects empty names, "..", absolute paths, and
	// OS-reserved device names. The extra checks reject "." and any
	// directory separators so session files always land directly in s.dir.
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(s.dir, filename+".json")); err != nil {
		return err
	}
	cleanup = false

	return nil
}

func cloneSession(session *Session) Session {
	snapshot := *session
	snapshot.Messages = make([]types.Message, len(session.Messages))
	copy(snapshot.Messages, session.Messages)

	return snapshot
}

// Session keys carry "channel:chat" pairs; colons are not portable in
// filenames.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
