package debug

import "testing"

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"single line", "x = 1", []string{"x = 1"}},
		{"trailing newline", "a\nb\n", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"blank lines kept", "a\n\nb", []string{"a", "", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitLines(tt.text); !equalStrings(got, tt.want) {
				t.Errorf("SplitLines(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestSourceCache(t *testing.T) {
	c := NewSourceCache()

	lines := []string{"local a = 1", "print(a)"}
	c.Save("b.lua", lines)
	c.Save("a.lua", []string{"return"})
	lines[0] = "changed"

	got, ok := c.Get("b.lua")
	if !ok || got[0] != "local a = 1" {
		t.Errorf("Get(b.lua) = %q, %v; want the saved copy", got, ok)
	}
	if _, ok := c.Get("missing.lua"); ok {
		t.Error("Get of a missing key should fail")
	}
	if keys := c.Keys(); !equalStrings(keys, []string{"a.lua", "b.lua"}) {
		t.Errorf("Keys() = %v", keys)
	}

	c.Save("b.lua", nil)
	if got, _ := c.Get("b.lua"); len(got) != 0 {
		t.Errorf("Save should replace the entry, got %q", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestSessionSources(t *testing.T) {
	ts := newTestSession(t, defaultDebugConfig(), nil)

	if err := ts.LoadString("s.lua", "local a = 1\r\nlocal b = 2\r\n"); err != nil {
		t.Fatal(err)
	}
	lines, ok := ts.Source("s.lua")
	if !ok || !equalStrings(lines, []string{"local a = 1", "local b = 2"}) {
		t.Errorf("Source = %q, %v", lines, ok)
	}
	lines[0] = "mutated"
	if again, _ := ts.Source("s.lua"); again[0] != "local a = 1" {
		t.Error("Source should return a copy")
	}

	ts.SaveSource("virtual", []string{"x"})
	if keys := ts.SourceKeys(); !equalStrings(keys, []string{"s.lua", "virtual"}) {
		t.Errorf("SourceKeys() = %v", keys)
	}
}
