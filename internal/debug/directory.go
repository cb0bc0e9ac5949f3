package debug

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// directory maps interpreters to their sessions. Coroutines share their
// creator's *lua.Global, so any coroutine resolves to the same session.
var directory = struct {
	mu       sync.RWMutex
	sessions map[*lua.Global]*Session
}{
	sessions: make(map[*lua.Global]*Session),
}

func register(s *Session) {
	directory.mu.Lock()
	directory.sessions[s.L.G] = s
	directory.mu.Unlock()
}

func deregister(s *Session) {
	directory.mu.Lock()
	if directory.sessions[s.L.G] == s {
		delete(directory.sessions, s.L.G)
	}
	directory.mu.Unlock()
}

// FromState returns the live session debugging L, or nil.
func FromState(L *lua.LState) *Session {
	if L == nil || L.G == nil {
		return nil
	}
	directory.mu.RLock()
	defer directory.mu.RUnlock()
	return directory.sessions[L.G]
}
