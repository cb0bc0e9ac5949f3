package debug

import (
	"errors"
	"testing"

	"github.com/dshills/lldebug/internal/config"
)

func defaultDebugConfig() config.DebugConfig {
	return config.Default().Debug
}

func TestStateString(t *testing.T) {
	for st := StateInitial; st <= StateQuit; st++ {
		parsed, ok := ParseState(st.String())
		if !ok || parsed != st {
			t.Errorf("ParseState(%q) = %v, %v; want %v", st.String(), parsed, ok, st)
		}
	}
	if got := State(42).String(); got != "unknown" {
		t.Errorf("State(42).String() = %q, want unknown", got)
	}
	if _, ok := ParseState("running"); ok {
		t.Error("ParseState should reject unknown names")
	}
}

func TestStateIsStepping(t *testing.T) {
	stepping := map[State]bool{
		StateStepOver:   true,
		StateStepInto:   true,
		StateStepReturn: true,
	}
	for st := StateInitial; st <= StateQuit; st++ {
		if got := st.IsStepping(); got != stepping[st] {
			t.Errorf("%v.IsStepping() = %v", st, got)
		}
	}
}

func TestStateError(t *testing.T) {
	err := error(&StateError{Op: "stepOver", State: StateNormal})
	if err.Error() != "stepOver: not allowed while normal" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrNotBreak) || errors.Is(err, ErrQuit) {
		t.Error("StateError in normal should unwrap to ErrNotBreak only")
	}

	err = &StateError{Op: "break", State: StateQuit}
	if !errors.Is(err, ErrQuit) {
		t.Error("StateError in quit should unwrap to ErrQuit")
	}
}
