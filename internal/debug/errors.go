package debug

import (
	"errors"
	"fmt"
)

// Session errors.
var (
	// ErrNotBreak is returned for commands that need a stopped session.
	ErrNotBreak = errors.New("session is not stopped at a break")

	// ErrQuit is returned once the session has quit.
	ErrQuit = errors.New("session has quit")

	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("session is closed")

	// ErrInvalidBreakpoint indicates a breakpoint without a key or with a
	// non-positive line.
	ErrInvalidBreakpoint = errors.New("invalid breakpoint")
)

// StateError reports a command rejected because of the session state.
type StateError struct {
	Op    string // Command name (e.g., "stepOver", "evaluate")
	State State  // State the session was in
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

// Unwrap returns ErrQuit for a quit session and ErrNotBreak otherwise.
func (e *StateError) Unwrap() error {
	if e.State == StateQuit {
		return ErrQuit
	}
	return ErrNotBreak
}

// ScriptError is a Lua error raised while loading or running a chunk.
type ScriptError struct {
	Key     string // Source key the error was attributed to
	Line    int    // Line number, 0 when unknown
	Message string // Error message without traceback
	Err     error  // Underlying interpreter error
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Unwrap returns the underlying interpreter error.
func (e *ScriptError) Unwrap() error {
	return e.Err
}
