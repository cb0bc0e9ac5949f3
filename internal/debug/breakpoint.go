package debug

import (
	"fmt"
	"sort"
)

// Breakpoint is a line breakpoint. Its identity is (Key, Line).
type Breakpoint struct {
	// Key is the source key of the chunk.
	Key string `json:"key"`

	// Line is the line number (1-based).
	Line int `json:"line"`

	// Enabled indicates if the breakpoint stops execution.
	Enabled bool `json:"enabled"`

	// HitCount is the number of times this breakpoint has stopped execution.
	HitCount int `json:"hitCount,omitempty"`
}

// IsZero reports whether b is the zero Breakpoint, which stands for "none".
func (b Breakpoint) IsZero() bool {
	return b.Key == "" && b.Line == 0
}

// Validate checks that b has a usable identity.
func (b Breakpoint) Validate() error {
	if b.Key == "" || b.Line <= 0 {
		return fmt.Errorf("%w: %q:%d", ErrInvalidBreakpoint, b.Key, b.Line)
	}
	return nil
}

// String formats the breakpoint location like "script.lua:10".
func (b Breakpoint) String() string {
	return fmt.Sprintf("%s:%d", b.Key, b.Line)
}

// less orders identities by key, then line.
func (b Breakpoint) less(key string, line int) bool {
	if b.Key != key {
		return b.Key < key
	}
	return b.Line < line
}

// BreakpointRegistry is an ordered set of breakpoints, unique by identity.
// It is not safe for concurrent use; a Session guards it with its mutex.
type BreakpointRegistry struct {
	list []Breakpoint // sorted by (Key, Line)
}

// NewBreakpointRegistry creates an empty registry.
func NewBreakpointRegistry() *BreakpointRegistry {
	return &BreakpointRegistry{}
}

// search returns the index of the first breakpoint not less than
// (key, line) and whether it matches exactly.
func (r *BreakpointRegistry) search(key string, line int) (int, bool) {
	i := sort.Search(len(r.list), func(i int) bool {
		return !r.list[i].less(key, line)
	})
	found := i < len(r.list) && r.list[i].Key == key && r.list[i].Line == line
	return i, found
}

// Set inserts bp or replaces the breakpoint with the same identity.
func (r *BreakpointRegistry) Set(bp Breakpoint) {
	i, found := r.search(bp.Key, bp.Line)
	if found {
		r.list[i] = bp
		return
	}
	r.list = append(r.list, Breakpoint{})
	copy(r.list[i+1:], r.list[i:])
	r.list[i] = bp
}

// Toggle flips the enabled flag of the breakpoint at (key, line), or
// inserts an enabled one. It returns the resulting breakpoint.
func (r *BreakpointRegistry) Toggle(key string, line int) Breakpoint {
	i, found := r.search(key, line)
	if found {
		r.list[i].Enabled = !r.list[i].Enabled
		return r.list[i]
	}
	bp := Breakpoint{Key: key, Line: line, Enabled: true}
	r.Set(bp)
	return bp
}

// Remove deletes the breakpoint at (key, line). It reports whether one
// existed.
func (r *BreakpointRegistry) Remove(key string, line int) bool {
	i, found := r.search(key, line)
	if !found {
		return false
	}
	r.list = append(r.list[:i], r.list[i+1:]...)
	return true
}

// Find returns the breakpoint at exactly (key, line).
func (r *BreakpointRegistry) Find(key string, line int) (Breakpoint, bool) {
	i, found := r.search(key, line)
	if !found {
		return Breakpoint{}, false
	}
	return r.list[i], true
}

// Next returns the breakpoint strictly following bp's identity in
// key-then-line order, or the zero Breakpoint at the end. Next of the zero
// Breakpoint is the first breakpoint, so the registry can be walked with
// it. There is no wraparound.
func (r *BreakpointRegistry) Next(bp Breakpoint) Breakpoint {
	i, found := r.search(bp.Key, bp.Line)
	if found {
		i++
	}
	if i >= len(r.list) {
		return Breakpoint{}
	}
	return r.list[i]
}

// ReplaceAll discards every breakpoint and stores list instead. When list
// repeats an identity the last occurrence wins.
func (r *BreakpointRegistry) ReplaceAll(list []Breakpoint) {
	r.list = nil
	for _, bp := range list {
		r.Set(bp)
	}
}

// List returns the breakpoints in order.
func (r *BreakpointRegistry) List() []Breakpoint {
	out := make([]Breakpoint, len(r.list))
	copy(out, r.list)
	return out
}

// Len returns the number of breakpoints.
func (r *BreakpointRegistry) Len() int {
	return len(r.list)
}

// hit reports whether an enabled breakpoint exists at (key, line)
// and counts the hit if so.
func (r *BreakpointRegistry) hit(key string, line int) bool {
	i, found := r.search(key, line)
	if !found || !r.list[i].Enabled {
		return false
	}
	r.list[i].HitCount++
	return true
}
