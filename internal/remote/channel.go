package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dshills/lldebug/internal/asyncq"
	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/logging"
	"github.com/dshills/lldebug/internal/remote/wire"
)

// Channel connects a debug.Session to one front-end. It implements
// debug.Channel.
//
// Break notifications and responses are written synchronously. State
// changes and output go through a drop-oldest queue so a slow front-end
// never blocks the script.
type Channel struct {
	conn    *wire.Conn
	queue   *asyncq.Queue
	logger  *logging.Logger
	session *debug.Session

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
}

// Option configures a Channel.
type Option func(*channelOptions)

type channelOptions struct {
	logger   *logging.Logger
	capacity int
}

// WithLogger sets the channel logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *channelOptions) {
		o.logger = l
	}
}

// WithQueueCapacity bounds the number of pending notifications.
func WithQueueCapacity(n int) Option {
	return func(o *channelOptions) {
		o.capacity = n
	}
}

// NewChannel creates a channel over an established connection. The
// channel reads nothing until Attach is called.
func NewChannel(rwc net.Conn, opts ...Option) *Channel {
	o := channelOptions{capacity: asyncq.DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger).WithComponent("remote")

	return &Channel{
		conn:   wire.NewConn(rwc),
		queue:  asyncq.New(asyncq.WithCapacity(o.capacity), asyncq.WithLogger(logger)),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Dial connects to the front-end listening at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewChannel(conn, opts...), nil
}

// Factory returns a debug.ChannelFactory that dials addr and attaches the
// channel to the session being opened.
func Factory(ctx context.Context, addr string, opts ...Option) debug.ChannelFactory {
	return func(s *debug.Session) (debug.Channel, error) {
		ch, err := Dial(ctx, addr, opts...)
		if err != nil {
			return nil, err
		}
		ch.Attach(s)
		return ch, nil
	}
}

// Attach starts applying front-end requests to s.
func (c *Channel) Attach(s *debug.Session) {
	c.session = s
	go c.readLoop()
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// SendBreakHit writes the stop notification before returning.
func (c *Channel) SendBreakHit(hit debug.BreakHit) error {
	return c.sendEvent(wire.EventBreakHit, hit)
}

// PostState queues a stateChanged event.
func (c *Channel) PostState(state debug.State) {
	c.post(wire.EventStateChanged, wire.StateChangedBody{State: state.String()})
}

// PostOutput queues a logOutput or errorOutput event.
func (c *Channel) PostOutput(out debug.Output) {
	name := wire.EventLogOutput
	if out.Kind == debug.OutputError {
		name = wire.EventErrorOutput
	}
	c.post(name, wire.OutputBody{Text: out.Text, Key: out.Key, Line: out.Line})
}

// Close stops the notification worker and closes the connection. It is
// safe to call from any goroutine, including the reader.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.queue.Close()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// postRequest sends one queued event. Aborting it closes the connection,
// which unblocks a write stuck on a dead peer.
type postRequest struct {
	c     *Channel
	event *wire.Event
}

func (r *postRequest) Perform() error {
	_, err := r.c.conn.Send(r.event)
	return err
}

func (r *postRequest) Abort() {
	_ = r.c.conn.Close()
}

func (c *Channel) post(name string, body any) {
	ev, err := wire.NewEvent(name, body)
	if err != nil {
		c.logger.Error("encoding %s: %v", name, err)
		return
	}
	if err := c.queue.Add(&postRequest{c: c, event: ev}); err != nil {
		c.logger.Debug("dropping %s: %v", name, err)
	}
}

func (c *Channel) sendEvent(name string, body any) error {
	ev, err := wire.NewEvent(name, body)
	if err != nil {
		return err
	}
	_, err = c.conn.Send(ev)
	return err
}

func (c *Channel) respond(req *wire.Request, body any, err error) {
	resp, merr := wire.NewResponse(req, body, err)
	if merr != nil {
		c.logger.Error("encoding %s response: %v", req.Command, merr)
		resp, _ = wire.NewResponse(req, nil, merr)
	}
	if _, serr := c.conn.Send(resp); serr != nil && !c.isClosed() {
		c.logger.Warn("sending %s response: %v", req.Command, serr)
	}
}

// readLoop applies requests in delivery order until the connection fails.
// Losing the front-end quits the session so a stopped script is released.
func (c *Channel) readLoop() {
	for {
		frame, err := c.conn.Receive()
		if err == nil && frame.Type != wire.TypeRequest {
			err = &wire.ProtocolError{Reason: "unexpected " + frame.Type + " " + frame.Name}
		}
		if err == nil {
			var req wire.Request
			if err = frame.Decode(&req); err == nil {
				err = c.dispatch(&req)
			}
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				c.logger.Error("%v", err)
			} else {
				c.logger.Warn("front-end connection lost: %v", err)
			}
			c.session.Quit(false)
			_ = c.Close()
			return
		}
	}
}

// dispatch applies one request. A returned error is fatal to the
// connection; command failures are reported in the response instead.
func (c *Channel) dispatch(req *wire.Request) error {
	s := c.session

	switch req.Command {
	case wire.CommandSetBreakpoint:
		var args wire.BreakpointArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		bp := debug.Breakpoint{Key: args.Key, Line: args.Line, Enabled: args.Enabled}
		err := s.SetBreakpoint(bp)
		c.respond(req, wire.BreakpointBody{Breakpoint: bp}, err)

	case wire.CommandToggleBreakpoint:
		var args wire.BreakpointArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		bp, err := s.ToggleBreakpoint(args.Key, args.Line)
		c.respond(req, wire.BreakpointBody{Breakpoint: bp}, err)

	case wire.CommandReplaceBreakpoints:
		var args wire.ReplaceBreakpointsArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		err := s.ReplaceBreakpoints(args.Breakpoints)
		c.respond(req, wire.BreakpointsBody{Breakpoints: s.Breakpoints()}, err)

	case wire.CommandBreakpoints:
		c.respond(req, wire.BreakpointsBody{Breakpoints: s.Breakpoints()}, nil)

	case wire.CommandStack:
		c.submitted(req, s.Stack(c.framesReply(req)))

	case wire.CommandBacktrace:
		c.submitted(req, s.Backtrace(c.framesReply(req)))

	case wire.CommandLocals, wire.CommandUpvalues, wire.CommandEnviron:
		var args wire.FrameArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		list := map[string]func(int, func([]inspect.Variable, error)) error{
			wire.CommandLocals:   s.Locals,
			wire.CommandUpvalues: s.Upvalues,
			wire.CommandEnviron:  s.Environ,
		}[req.Command]
		c.submitted(req, list(args.Level, c.variablesReply(req)))

	case wire.CommandGlobals:
		c.submitted(req, s.Globals(c.variablesReply(req)))

	case wire.CommandFields:
		var args wire.FieldsArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		c.submitted(req, s.Fields(args.Handle, c.variablesReply(req)))

	case wire.CommandEvaluate:
		var args wire.EvaluateArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		c.submitted(req, s.Evaluate(args.Expression, args.Level, func(res inspect.EvalResult, err error) {
			c.respond(req, wire.EvaluateBody{Result: res.Result, Values: res.Values}, err)
		}))

	case wire.CommandStepInto:
		c.respond(req, nil, s.StepInto())
	case wire.CommandStepOver:
		c.respond(req, nil, s.StepOver())
	case wire.CommandStepReturn:
		c.respond(req, nil, s.StepReturn())
	case wire.CommandContinue:
		c.respond(req, nil, s.Continue())
	case wire.CommandBreak:
		c.respond(req, nil, s.Break())

	case wire.CommandQuit:
		var args wire.QuitArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		c.respond(req, nil, nil)
		s.Quit(args.Terminate)

	case wire.CommandSource:
		var args wire.SourceArguments
		if err := decodeArgs(req, &args); err != nil {
			return err
		}
		lines, ok := s.Source(args.Key)
		if !ok {
			c.respond(req, nil, fmt.Errorf("unknown source %q", args.Key))
			break
		}
		c.respond(req, wire.SourceBody{Key: args.Key, Lines: lines}, nil)

	default:
		c.respond(req, nil, fmt.Errorf("unknown command %q", req.Command))
		return &wire.ProtocolError{Reason: "unknown command " + req.Command}
	}
	return nil
}

// submitted answers req with err when the session refused the work;
// otherwise the work's callback answers.
func (c *Channel) submitted(req *wire.Request, err error) {
	if err != nil {
		c.respond(req, nil, err)
	}
}

func (c *Channel) framesReply(req *wire.Request) func([]inspect.StackFrame, error) {
	return func(frames []inspect.StackFrame, err error) {
		c.respond(req, wire.FramesBody{Frames: frames}, err)
	}
}

func (c *Channel) variablesReply(req *wire.Request) func([]inspect.Variable, error) {
	return func(vars []inspect.Variable, err error) {
		c.respond(req, wire.VariablesBody{Variables: vars}, err)
	}
}

func decodeArgs(req *wire.Request, v any) error {
	if len(req.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Arguments, v); err != nil {
		return &wire.ProtocolError{Reason: "decoding " + req.Command + " arguments", Err: err}
	}
	return nil
}
