package wire

import (
	"encoding/json"

	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/debug/inspect"
)

// Message types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Requests sent by the front-end.
const (
	CommandSetBreakpoint      = "setBreakpoint"
	CommandToggleBreakpoint   = "toggleBreakpoint"
	CommandReplaceBreakpoints = "replaceBreakpoints"
	CommandBreakpoints        = "breakpoints"
	CommandStack              = "stack"
	CommandBacktrace          = "backtrace"
	CommandLocals             = "locals"
	CommandUpvalues           = "upvalues"
	CommandEnviron            = "environ"
	CommandGlobals            = "globals"
	CommandFields             = "fields"
	CommandEvaluate           = "evaluate"
	CommandStepInto           = "stepInto"
	CommandStepOver           = "stepOver"
	CommandStepReturn         = "stepReturn"
	CommandContinue           = "continue"
	CommandBreak              = "break"
	CommandQuit               = "quit"
	CommandSource             = "source"
)

// Events sent by the engine.
const (
	EventStateChanged = "stateChanged"
	EventBreakHit     = "breakHit"
	EventLogOutput    = "logOutput"
	EventErrorOutput  = "errorOutput"
)

// ProtocolMessage is the envelope shared by every message. Version and Seq
// are stamped by Conn.Send.
type ProtocolMessage struct {
	Version int    `json:"version"`
	Seq     int    `json:"seq"`
	Type    string `json:"type"`
}

// Request is a front-end command.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response answers the request with Seq RequestSeq.
type Response struct {
	ProtocolMessage
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event is an unsolicited engine notification.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// NewRequest builds a request with marshaled arguments.
func NewRequest(command string, args any) (*Request, error) {
	raw, err := marshalBody(args)
	if err != nil {
		return nil, err
	}
	return &Request{
		ProtocolMessage: ProtocolMessage{Type: TypeRequest},
		Command:         command,
		Arguments:       raw,
	}, nil
}

// NewResponse builds the response to req. A non-nil err makes the response
// unsuccessful and carries its message.
func NewResponse(req *Request, body any, err error) (*Response, error) {
	resp := &Response{
		ProtocolMessage: ProtocolMessage{Type: TypeResponse},
		RequestSeq:      req.Seq,
		Success:         err == nil,
		Command:         req.Command,
	}
	if err != nil {
		resp.Message = err.Error()
		return resp, nil
	}
	raw, merr := marshalBody(body)
	if merr != nil {
		return nil, merr
	}
	resp.Body = raw
	return resp, nil
}

// NewEvent builds an event with a marshaled body.
func NewEvent(name string, body any) (*Event, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return &Event{
		ProtocolMessage: ProtocolMessage{Type: TypeEvent},
		Event:           name,
		Body:            raw,
	}, nil
}

func marshalBody(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Request arguments.

// BreakpointArguments locate a breakpoint for setBreakpoint and
// toggleBreakpoint.
type BreakpointArguments struct {
	Key     string `json:"key"`
	Line    int    `json:"line"`
	Enabled bool   `json:"enabled,omitempty"`
}

// ReplaceBreakpointsArguments carry the new breakpoint set.
type ReplaceBreakpointsArguments struct {
	Breakpoints []debug.Breakpoint `json:"breakpoints"`
}

// FrameArguments select a stack level for locals, upvalues and environ.
type FrameArguments struct {
	Level int `json:"level"`
}

// FieldsArguments select a value by registry handle.
type FieldsArguments struct {
	Handle int `json:"handle"`
}

// EvaluateArguments are the arguments for evaluate.
type EvaluateArguments struct {
	Expression string `json:"expression"`
	Level      int    `json:"level"`
}

// QuitArguments are the arguments for quit.
type QuitArguments struct {
	// Terminate aborts the running script instead of letting it finish
	// without the debugger.
	Terminate bool `json:"terminate,omitempty"`
}

// SourceArguments are the arguments for source.
type SourceArguments struct {
	Key string `json:"key"`
}

// Response bodies.

// BreakpointBody is the response body of setBreakpoint and
// toggleBreakpoint.
type BreakpointBody struct {
	Breakpoint debug.Breakpoint `json:"breakpoint"`
}

// BreakpointsBody lists breakpoints.
type BreakpointsBody struct {
	Breakpoints []debug.Breakpoint `json:"breakpoints"`
}

// FramesBody is the response body of stack and backtrace.
type FramesBody struct {
	Frames []inspect.StackFrame `json:"frames"`
}

// VariablesBody is the response body of the variable listings.
type VariablesBody struct {
	Variables []inspect.Variable `json:"variables"`
}

// EvaluateBody is the response body of evaluate.
type EvaluateBody struct {
	Result string             `json:"result"`
	Values []inspect.Variable `json:"values,omitempty"`
}

// SourceBody is the response body of source.
type SourceBody struct {
	Key   string   `json:"key"`
	Lines []string `json:"lines"`
}

// Event bodies.

// StateChangedBody reports a new session state.
type StateChangedBody struct {
	State string `json:"state"`
}

// BreakHitBody reports a stop.
type BreakHitBody = debug.BreakHit

// OutputBody carries log or error text.
type OutputBody struct {
	Text string `json:"text"`
	Key  string `json:"key,omitempty"`
	Line int    `json:"line,omitempty"`
}
