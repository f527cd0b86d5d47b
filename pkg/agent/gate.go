package agent

import "sync"

// sessionGate serializes message handling per session key while turns for
// different sessions proceed in parallel. Entries are reference counted
// so the map does not grow with dead sessions.
type sessionGate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionGate() *sessionGate {
	return &sessionGate{entries: make(map[string]*gateEntry)}
}

// acquire blocks until the session's slot is free and returns the release.
func (g *sessionGate) acquire(key string) (release func()) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		entry = &gateEntry{}
		g.entries[key] = entry
	}
	entry.refs++
	g.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		g.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(g.entries, key)
		}
		g.mu.Unlock()
	}
}
