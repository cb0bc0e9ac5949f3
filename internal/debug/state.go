package debug

// State is the execution state of a session.
type State int

const (
	// StateInitial is the state before the first chunk is loaded.
	StateInitial State = iota
	// StateNormal runs until an enabled breakpoint is reached.
	StateNormal
	// StateStepOver stops at the next line at or above the step depth.
	StateStepOver
	// StateStepInto stops at the next line anywhere.
	StateStepInto
	// StateStepReturn stops once the current function has returned.
	StateStepReturn
	// StateBreak is stopped, or stopping at the next line.
	StateBreak
	// StateQuit is terminal.
	StateQuit
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateNormal:
		return "normal"
	case StateStepOver:
		return "stepover"
	case StateStepInto:
		return "stepinto"
	case StateStepReturn:
		return "stepreturn"
	case StateBreak:
		return "break"
	case StateQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateInitial; st <= StateQuit; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsStepping reports whether s is one of the step states.
func (s State) IsStepping() bool {
	return s == StateStepOver || s == StateStepInto || s == StateStepReturn
}
