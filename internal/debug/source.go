package debug

import (
	"sort"
	"strings"
)

// SourceCache maps source keys to the lines of the chunk loaded under
// that key. It never reads files on its own. Like BreakpointRegistry it is
// guarded by the owning Session.
type SourceCache struct {
	entries map[string][]string
}

// NewSourceCache creates an empty cache.
func NewSourceCache() *SourceCache {
	return &SourceCache{entries: make(map[string][]string)}
}

// Get returns the lines stored under key. The returned slice must not be
// modified.
func (c *SourceCache) Get(key string) ([]string, bool) {
	lines, ok := c.entries[key]
	return lines, ok
}

// Save stores a copy of lines under key, replacing any previous entry.
func (c *SourceCache) Save(key string, lines []string) {
	cp := make([]string, len(lines))
	copy(cp, lines)
	c.entries[key] = cp
}

// Keys returns the cached keys in sorted order.
func (c *SourceCache) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached entries.
func (c *SourceCache) Len() int {
	return len(c.entries)
}

// SplitLines splits chunk text into lines. "\r\n" and "\n" both end a
// line; a trailing newline does not produce an empty last line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
