package inspect

import "fmt"

// StackFrame is a snapshot of one interpreter stack frame.
type StackFrame struct {
	// Level is the frame depth below the stop point (0 = innermost).
	Level int `json:"level"`

	// Name is the resolved function name.
	Name string `json:"name"`

	// Source is the source key of the function, or "[G]" for Go functions.
	Source string `json:"source"`

	// Line is the current line, or -1 when unknown.
	Line int `json:"line"`

	// LineDefined is the line the function was defined on.
	LineDefined int `json:"lineDefined,omitempty"`
}

// FormatLocation returns a location string like "script.lua:42".
func (f StackFrame) FormatLocation() string {
	if f.Source == "" {
		return fmt.Sprintf("<unknown>:%d", f.Line)
	}
	return fmt.Sprintf("%s:%d", f.Source, f.Line)
}

// String formats the frame as a backtrace line.
func (f StackFrame) String() string {
	return fmt.Sprintf("#%d %s at %s", f.Level, f.Name, f.FormatLocation())
}

// Variable is a snapshot of a named value.
type Variable struct {
	// Name is the variable name or a rendered table key.
	Name string `json:"name"`

	// Value is the rendered value.
	Value string `json:"value"`

	// Type is the interpreter type name.
	Type string `json:"type"`

	// Handle refers to the value in the identity registry. 0 means the value
	// cannot be expanded.
	Handle int `json:"handle,omitempty"`

	// HasChildren indicates the value can be expanded with Fields.
	HasChildren bool `json:"hasChildren,omitempty"`
}

// String returns a formatted representation like "x: number = 1".
func (v Variable) String() string {
	if v.Type != "" {
		return fmt.Sprintf("%s: %s = %s", v.Name, v.Type, v.Value)
	}
	return fmt.Sprintf("%s = %s", v.Name, v.Value)
}

// EvalResult is the outcome of an expression evaluation. Errors are folded
// into Result as "error: <message>".
type EvalResult struct {
	Result string     `json:"result"`
	Values []Variable `json:"values,omitempty"`
}
