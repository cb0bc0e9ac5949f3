package debug

import "github.com/dshills/lldebug/internal/debug/inspect"

// BreakHit describes a stop.
type BreakHit struct {
	Key    string               `json:"key"`
	Line   int                  `json:"line"`
	Reason string               `json:"reason"`
	Frames []inspect.StackFrame `json:"frames"`
}

// Stop reasons reported in BreakHit.
const (
	ReasonBreakpoint = "breakpoint"
	ReasonStep       = "step"
	ReasonPause      = "pause"
	ReasonEntry      = "entry"
)

// OutputKind distinguishes log text from error text.
type OutputKind int

const (
	// OutputLog is regular program output, such as print.
	OutputLog OutputKind = iota
	// OutputError is an error message.
	OutputError
)

// String returns a string representation of the kind.
func (k OutputKind) String() string {
	switch k {
	case OutputLog:
		return "log"
	case OutputError:
		return "error"
	default:
		return "unknown"
	}
}

// Output is a piece of text produced by the script or the session.
type Output struct {
	Kind OutputKind `json:"kind"`
	Text string     `json:"text"`
	Key  string     `json:"key,omitempty"`
	Line int        `json:"line,omitempty"`
}

// Channel carries session events to a front-end.
//
// SendBreakHit is called on the interpreter goroutine and must deliver the
// message before returning. PostState and PostOutput are best effort and
// must not block. Close may be called from any goroutine, including the
// channel's own reader.
type Channel interface {
	SendBreakHit(hit BreakHit) error
	PostState(state State)
	PostOutput(out Output)
	Close() error
}

// ChannelFactory creates the channel of a session during Open. The channel
// typically keeps s to apply front-end commands.
type ChannelFactory func(s *Session) (Channel, error)
