package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/remote/wire"
)

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("client closed")

// CommandError is an unsuccessful response from the engine.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Listener accepts engine connections for a front-end.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener at addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for an engine to connect and returns a client for it.
func (l *Listener) Accept(ctx context.Context) (*Client, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return NewClient(r.conn), nil
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Client is the front-end side of a connection.
type Client struct {
	conn      *wire.Conn
	pending   map[int]*pendingRequest
	pendingMu sync.Mutex
	handlers  eventHandlers
	handlerMu sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.RWMutex
}

// pendingRequest tracks a request awaiting its response.
type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *wire.Response
	err       error
}

func (p *pendingRequest) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

type eventHandlers struct {
	onState    func(debug.State)
	onBreakHit func(debug.BreakHit)
	onOutput   func(debug.Output)
}

// NewClient starts reading from conn.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    wire.NewConn(conn),
		pending: make(map[int]*pendingRequest),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}

// Done is closed when the connection ends, for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// OnState sets the handler for stateChanged events.
func (c *Client) OnState(h func(debug.State)) {
	c.handlerMu.Lock()
	c.handlers.onState = h
	c.handlerMu.Unlock()
}

// OnBreakHit sets the handler for breakHit events.
func (c *Client) OnBreakHit(h func(debug.BreakHit)) {
	c.handlerMu.Lock()
	c.handlers.onBreakHit = h
	c.handlerMu.Unlock()
}

// OnOutput sets the handler for logOutput and errorOutput events.
func (c *Client) OnOutput(h func(debug.Output)) {
	c.handlerMu.Lock()
	c.handlers.onOutput = h
	c.handlerMu.Unlock()
}

func (c *Client) receiveLoop() {
	for {
		frame, err := c.conn.Receive()
		if err != nil {
			c.errMu.Lock()
			select {
			case <-c.done:
			default:
				c.err = err
			}
			c.errMu.Unlock()

			c.pendingMu.Lock()
			for _, req := range c.pending {
				req.err = err
				req.close()
			}
			c.pending = make(map[int]*pendingRequest)
			c.pendingMu.Unlock()

			c.closeOnce.Do(func() {
				close(c.done)
			})
			return
		}

		switch frame.Type {
		case wire.TypeResponse:
			c.handleResponse(frame)
		case wire.TypeEvent:
			c.handleEvent(frame)
		}
	}
}

func (c *Client) handleResponse(frame *wire.Frame) {
	var resp wire.Response
	if err := frame.Decode(&resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	req, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if ok {
		req.response = &resp
		req.close()
	}
}

func (c *Client) handleEvent(frame *wire.Frame) {
	var ev wire.Event
	if err := frame.Decode(&ev); err != nil {
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	switch ev.Event {
	case wire.EventStateChanged:
		var body wire.StateChangedBody
		if err := json.Unmarshal(ev.Body, &body); err == nil && handlers.onState != nil {
			if st, ok := debug.ParseState(body.State); ok {
				handlers.onState(st)
			}
		}
	case wire.EventBreakHit:
		var body wire.BreakHitBody
		if err := json.Unmarshal(ev.Body, &body); err == nil && handlers.onBreakHit != nil {
			handlers.onBreakHit(body)
		}
	case wire.EventLogOutput, wire.EventErrorOutput:
		var body wire.OutputBody
		if err := json.Unmarshal(ev.Body, &body); err == nil && handlers.onOutput != nil {
			kind := debug.OutputLog
			if ev.Event == wire.EventErrorOutput {
				kind = debug.OutputError
			}
			handlers.onOutput(debug.Output{Kind: kind, Text: body.Text, Key: body.Key, Line: body.Line})
		}
	}
}

// call sends a request, waits for its response and decodes the body into
// out when out is non-nil.
func (c *Client) call(ctx context.Context, command string, args, out any) error {
	req, err := wire.NewRequest(command, args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	pending := &pendingRequest{done: make(chan struct{})}

	seq, err := c.conn.SendFunc(req, func(seq int) error {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		select {
		case <-c.done:
			return ErrClientClosed
		default:
		}
		c.pending[seq] = pending
		return nil
	})
	if errors.Is(err, ErrClientClosed) {
		return err
	}
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-pending.done:
	}

	if pending.err != nil {
		return pending.err
	}
	resp := pending.response
	if !resp.Success {
		return &CommandError{Command: command, Message: resp.Message}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("unmarshal %s: %w", command, err)
		}
	}
	return nil
}

// SetBreakpoint sets a breakpoint.
func (c *Client) SetBreakpoint(ctx context.Context, key string, line int, enabled bool) (debug.Breakpoint, error) {
	var body wire.BreakpointBody
	err := c.call(ctx, wire.CommandSetBreakpoint, wire.BreakpointArguments{Key: key, Line: line, Enabled: enabled}, &body)
	return body.Breakpoint, err
}

// ToggleBreakpoint toggles a breakpoint.
func (c *Client) ToggleBreakpoint(ctx context.Context, key string, line int) (debug.Breakpoint, error) {
	var body wire.BreakpointBody
	err := c.call(ctx, wire.CommandToggleBreakpoint, wire.BreakpointArguments{Key: key, Line: line}, &body)
	return body.Breakpoint, err
}

// ReplaceBreakpoints replaces every breakpoint.
func (c *Client) ReplaceBreakpoints(ctx context.Context, list []debug.Breakpoint) ([]debug.Breakpoint, error) {
	var body wire.BreakpointsBody
	err := c.call(ctx, wire.CommandReplaceBreakpoints, wire.ReplaceBreakpointsArguments{Breakpoints: list}, &body)
	return body.Breakpoints, err
}

// Breakpoints lists the breakpoints.
func (c *Client) Breakpoints(ctx context.Context) ([]debug.Breakpoint, error) {
	var body wire.BreakpointsBody
	err := c.call(ctx, wire.CommandBreakpoints, nil, &body)
	return body.Breakpoints, err
}

// Stack returns the frames of the stopped coroutine.
func (c *Client) Stack(ctx context.Context) ([]inspect.StackFrame, error) {
	var body wire.FramesBody
	err := c.call(ctx, wire.CommandStack, nil, &body)
	return body.Frames, err
}

// Backtrace returns the frames across coroutines.
func (c *Client) Backtrace(ctx context.Context) ([]inspect.StackFrame, error) {
	var body wire.FramesBody
	err := c.call(ctx, wire.CommandBacktrace, nil, &body)
	return body.Frames, err
}

// Locals lists the locals at level.
func (c *Client) Locals(ctx context.Context, level int) ([]inspect.Variable, error) {
	return c.variables(ctx, wire.CommandLocals, wire.FrameArguments{Level: level})
}

// Upvalues lists the upvalues at level.
func (c *Client) Upvalues(ctx context.Context, level int) ([]inspect.Variable, error) {
	return c.variables(ctx, wire.CommandUpvalues, wire.FrameArguments{Level: level})
}

// Environ lists the environment at level.
func (c *Client) Environ(ctx context.Context, level int) ([]inspect.Variable, error) {
	return c.variables(ctx, wire.CommandEnviron, wire.FrameArguments{Level: level})
}

// Globals lists the global table.
func (c *Client) Globals(ctx context.Context) ([]inspect.Variable, error) {
	return c.variables(ctx, wire.CommandGlobals, nil)
}

// Fields expands a value by handle.
func (c *Client) Fields(ctx context.Context, handle int) ([]inspect.Variable, error) {
	return c.variables(ctx, wire.CommandFields, wire.FieldsArguments{Handle: handle})
}

func (c *Client) variables(ctx context.Context, command string, args any) ([]inspect.Variable, error) {
	var body wire.VariablesBody
	err := c.call(ctx, command, args, &body)
	return body.Variables, err
}

// Evaluate evaluates expr in the frame at level.
func (c *Client) Evaluate(ctx context.Context, expr string, level int) (inspect.EvalResult, error) {
	var body wire.EvaluateBody
	err := c.call(ctx, wire.CommandEvaluate, wire.EvaluateArguments{Expression: expr, Level: level}, &body)
	return inspect.EvalResult{Result: body.Result, Values: body.Values}, err
}

// StepInto sends stepInto.
func (c *Client) StepInto(ctx context.Context) error {
	return c.call(ctx, wire.CommandStepInto, nil, nil)
}

// StepOver sends stepOver.
func (c *Client) StepOver(ctx context.Context) error {
	return c.call(ctx, wire.CommandStepOver, nil, nil)
}

// StepReturn sends stepReturn.
func (c *Client) StepReturn(ctx context.Context) error {
	return c.call(ctx, wire.CommandStepReturn, nil, nil)
}

// Continue sends continue.
func (c *Client) Continue(ctx context.Context) error {
	return c.call(ctx, wire.CommandContinue, nil, nil)
}

// Break asks the engine to stop at the next line.
func (c *Client) Break(ctx context.Context) error {
	return c.call(ctx, wire.CommandBreak, nil, nil)
}

// Quit ends the session. With terminate the script is aborted.
func (c *Client) Quit(ctx context.Context, terminate bool) error {
	return c.call(ctx, wire.CommandQuit, wire.QuitArguments{Terminate: terminate}, nil)
}

// Source fetches the cached source of key.
func (c *Client) Source(ctx context.Context, key string) ([]string, error) {
	var body wire.SourceBody
	err := c.call(ctx, wire.CommandSource, wire.SourceArguments{Key: key}, &body)
	return body.Lines, err
}
