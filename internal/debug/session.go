package debug

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/lldebug/internal/config"
	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/debug/instrument"
	"github.com/dshills/lldebug/internal/debug/sourcewatch"
	"github.com/dshills/lldebug/internal/logging"
)

// hookWork is a request executed on the interpreter goroutine while it is
// stopped. abort is called instead of run when the session quits first.
type hookWork struct {
	op    string
	run   func(L *lua.LState)
	abort func(err error)
}

// Session debugs one Lua interpreter.
//
// The interpreter goroutine is the one calling LoadString, Run or any Lua
// code of L. Every other method may be called from any goroutine; commands
// that inspect the interpreter are queued and executed on the interpreter
// goroutine at the current stop.
type Session struct {
	id     string
	cfg    config.DebugConfig
	logger *logging.Logger

	L      *lua.LState
	cancel context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond

	state      State
	enabled    bool
	entry      bool
	coroutines []*coroutineInfo
	parked     map[*lua.LState]int
	step       stepTarget

	breakpoints *BreakpointRegistry
	sources     *SourceCache

	work    []hookWork
	stopped *lua.LState

	channel   Channel
	factory   ChannelFactory
	output    func(Output)
	onBreak   func(BreakHit)
	luaOpts   lua.Options
	inspector *inspect.Inspector
	watcher   *sourcewatch.Watcher
	closed    bool
}

// Option configures a Session.
type Option func(*Session)

// WithChannelFactory connects the session to a front-end during Open.
func WithChannelFactory(f ChannelFactory) Option {
	return func(s *Session) {
		s.factory = f
	}
}

// WithOutputHandler replaces the default handler, which writes log output
// to stdout and error output to stderr. Output is delivered to the handler
// in addition to the channel.
func WithOutputHandler(h func(Output)) Option {
	return func(s *Session) {
		if h != nil {
			s.output = h
		}
	}
}

// WithBreakHandler registers a callback invoked on the interpreter
// goroutine at every stop, after the channel was notified and before the
// session waits for a command.
func WithBreakHandler(h func(BreakHit)) Option {
	return func(s *Session) {
		s.onBreak = h
	}
}

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithLuaOptions sets the options the interpreter is created with.
func WithLuaOptions(opts lua.Options) Option {
	return func(s *Session) {
		s.luaOpts = opts
	}
}

// Open creates an interpreter with the standard libraries and attaches a
// debugging session to it.
func Open(cfg config.DebugConfig, opts ...Option) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		enabled:     true,
		parked:      make(map[*lua.LState]int),
		breakpoints: NewBreakpointRegistry(),
		sources:     NewSourceCache(),
		output:      writeOutput,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent("session").WithField("session", s.id[:8])

	s.L = lua.NewState(s.luaOpts)
	ctx, cancel := context.WithCancel(context.Background())
	s.L.SetContext(ctx)
	s.cancel = cancel
	s.coroutines = []*coroutineInfo{{L: s.L}}
	s.inspector = inspect.New(nil, inspect.WithHiddenNames(instrument.HookName))

	instrument.Install(s.L, dispatchHook)
	s.installCoroutineHooks(s.L)
	s.L.SetGlobal("print", s.L.NewFunction(s.luaPrint))
	register(s)

	if cfg.WatchSources {
		w, err := sourcewatch.New(s.sourceChanged, sourcewatch.WithLogger(s.logger))
		if err != nil {
			s.release()
			return nil, fmt.Errorf("watching sources: %w", err)
		}
		s.watcher = w
	}

	if s.factory != nil {
		ch, err := s.factory(s)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("connecting front-end: %w", err)
		}
		s.channel = ch
	}

	s.logger.Debug("session opened")
	return s, nil
}

// release undoes Open.
func (s *Session) release() {
	deregister(s)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.cancel()
	s.L.Close()
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// LuaState returns the debugged interpreter, for registering host
// functions. It must only be used on the interpreter goroutine.
func (s *Session) LuaState() *lua.LState {
	return s.L
}

// Inspector returns the inspector used for introspection commands.
func (s *Session) Inspector() *inspect.Inspector {
	return s.inspector
}

// State returns the current execution state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked changes the state and notifies the front-end.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.channel != nil {
		s.channel.PostState(st)
	}
}

// Quit moves the session to QUIT, releasing a stopped interpreter and
// detaching the hook. With terminate the running script is also aborted at
// its next instruction. Quit is idempotent.
func (s *Session) Quit(terminate bool) {
	s.mu.Lock()
	if s.state == StateQuit {
		s.mu.Unlock()
		if terminate {
			s.cancel()
		}
		return
	}
	deregister(s)
	s.setStateLocked(StateQuit)
	work := s.work
	s.work = nil
	ch := s.channel
	s.channel = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, w := range work {
		if w.abort != nil {
			w.abort(&StateError{Op: w.op, State: StateQuit})
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Warn("closing channel: %v", err)
		}
	}
	if terminate {
		s.cancel()
	}
	s.logger.Info("session quit (terminate=%v)", terminate)
}

// Close quits the session and closes the interpreter. It must not be
// called while a script is running.
func (s *Session) Close() error {
	s.Quit(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.cancel()
	s.L.Close()
	return err
}

// SetDebugEnable turns hook processing on or off and returns the previous
// setting. While disabled the script runs without stops or depth tracking.
func (s *Session) SetDebugEnable(enable bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.enabled
	s.enabled = enable
	return prev
}

// Suppress disables the hook until the returned function is called.
func (s *Session) Suppress() (restore func()) {
	prev := s.SetDebugEnable(false)
	return func() {
		s.SetDebugEnable(prev)
	}
}

// Load registers code as the source of key and compiles it with hook
// instrumentation. The returned function runs the chunk.
func (s *Session) Load(key, code string) (*lua.LFunction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("loading %s: %w", key, ErrClosed)
	}
	if s.state == StateQuit {
		s.mu.Unlock()
		return nil, &StateError{Op: "load", State: StateQuit}
	}
	s.sources.Save(key, SplitLines(code))
	if s.state == StateInitial {
		if s.cfg.StopOnEntry {
			s.entry = true
			s.setStateLocked(StateStepInto)
		} else {
			s.setStateLocked(StateNormal)
		}
	}
	s.mu.Unlock()

	proto, err := instrument.CompileString(stripShebang(code), key)
	if err != nil {
		return nil, s.scriptError(key, err)
	}
	return s.L.NewFunctionFromProto(proto), nil
}

// LoadString loads code under key and runs it to completion.
func (s *Session) LoadString(key, code string) error {
	fn, err := s.Load(key, code)
	if err != nil {
		return err
	}
	return s.Run(key, fn)
}

// LoadFile reads path and runs it with path as the source key. When
// source watching is enabled the file is watched from then on.
func (s *Session) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	if s.watcher != nil {
		if err := s.watcher.Add(path); err != nil {
			s.logger.Warn("watching %s: %v", path, err)
		}
	}
	return s.LoadString(path, string(data))
}

// Run calls fn, a function returned by Load, in protected mode.
func (s *Session) Run(key string, fn *lua.LFunction) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("running %s: %w", key, ErrClosed)
	}
	defer s.resetRoot()

	s.L.Push(fn)
	err := s.L.PCall(0, lua.MultRet, nil)
	if err == nil {
		s.L.SetTop(0)
		return nil
	}
	s.L.SetTop(0)

	if s.State() == StateQuit {
		return fmt.Errorf("running %s: %w", key, ErrQuit)
	}
	return s.scriptError(key, err)
}

// scriptError reports err as error output and converts it.
func (s *Session) scriptError(key string, err error) error {
	msg := err.Error()
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	errKey, line, ok := ParseLuaError(msg)
	if !ok {
		errKey = key
		var perr *parse.Error
		if apiErr, isAPI := err.(*lua.ApiError); isAPI && errors.As(apiErr.Cause, &perr) && perr.Pos.Line > 0 {
			line = perr.Pos.Line
		}
	}
	s.emit(Output{Kind: OutputError, Text: msg, Key: errKey, Line: line})
	return &ScriptError{Key: errKey, Line: line, Message: msg, Err: err}
}

// stripShebang blanks a leading "#" line, keeping line numbers intact.
func stripShebang(code string) string {
	if !strings.HasPrefix(code, "#") {
		return code
	}
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		return code[i:]
	}
	return ""
}

// Breakpoints returns the breakpoints in key-then-line order.
func (s *Session) Breakpoints() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.List()
}

// SetBreakpoint inserts bp or replaces the breakpoint at its location.
func (s *Session) SetBreakpoint(bp Breakpoint) error {
	if err := bp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakpoints.Set(bp)
	return nil
}

// ToggleBreakpoint flips the breakpoint at (key, line), creating an
// enabled one if none exists.
func (s *Session) ToggleBreakpoint(key string, line int) (Breakpoint, error) {
	if err := (Breakpoint{Key: key, Line: line}).Validate(); err != nil {
		return Breakpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.Toggle(key, line), nil
}

// RemoveBreakpoint deletes the breakpoint at (key, line).
func (s *Session) RemoveBreakpoint(key string, line int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.Remove(key, line)
}

// ReplaceBreakpoints swaps the whole breakpoint set. Nothing changes when
// any entry is invalid.
func (s *Session) ReplaceBreakpoints(list []Breakpoint) error {
	for _, bp := range list {
		if err := bp.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakpoints.ReplaceAll(list)
	return nil
}

// FindBreakpoint returns the breakpoint at exactly (key, line).
func (s *Session) FindBreakpoint(key string, line int) (Breakpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.Find(key, line)
}

// NextBreakpoint returns the breakpoint following bp, or the zero
// Breakpoint after the last one.
func (s *Session) NextBreakpoint(bp Breakpoint) Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.Next(bp)
}

// Source returns a copy of the lines cached under key.
func (s *Session) Source(key string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.sources.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, true
}

// SaveSource stores lines under key without running anything.
func (s *Session) SaveSource(key string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources.Save(key, lines)
}

// SourceKeys returns the cached source keys in sorted order.
func (s *Session) SourceKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources.Keys()
}

// sourceChanged is called by the watcher when a loaded file changes on disk.
func (s *Session) sourceChanged(path string) {
	s.OutputLog(fmt.Sprintf("source changed on disk: %s (reload to debug the new version)", path))
}

// StepInto resumes until the next executed line.
func (s *Session) StepInto() error {
	return s.resume("stepInto", StateStepInto)
}

// StepOver resumes until the next line in the current function or a caller.
func (s *Session) StepOver() error {
	return s.resume("stepOver", StateStepOver)
}

// StepReturn resumes until the current function has returned.
func (s *Session) StepReturn() error {
	return s.resume("stepReturn", StateStepReturn)
}

// Continue resumes until the next enabled breakpoint.
func (s *Session) Continue() error {
	return s.resume("continue", StateNormal)
}

func (s *Session) resume(op string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBreak || s.stopped == nil {
		return s.rejectLocked(op)
	}
	s.step = stepTarget{}
	if next == StateStepOver || next == StateStepReturn {
		depth := s.coroutineLocked(s.stopped).depth
		if next == StateStepReturn {
			depth--
		}
		s.step = stepTarget{co: s.stopped, depth: depth}
	}
	s.setStateLocked(next)
	s.cond.Broadcast()
	return nil
}

// Break requests a stop at the next executed line. Until the interpreter
// reaches that line the session is in BREAK but not stopped, and commands
// that need a stop are rejected.
func (s *Session) Break() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateQuit {
		return s.rejectLocked("break")
	}
	s.setStateLocked(StateBreak)
	return nil
}

func (s *Session) rejectLocked(op string) error {
	s.logger.Warn("%s ignored in state %s", op, s.state)
	return &StateError{Op: op, State: s.state}
}

// Stopped reports whether the interpreter is currently waiting at a stop.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped != nil
}

// OutputLog reports text as program output.
func (s *Session) OutputLog(text string) {
	s.emit(Output{Kind: OutputLog, Text: text})
}

// OutputError reports an error message. The location is taken from a
// leading "key:line:" prefix when there is one.
func (s *Session) OutputError(text string) {
	out := Output{Kind: OutputError, Text: text}
	if key, line, ok := ParseLuaError(text); ok {
		out.Key, out.Line = key, line
	}
	s.emit(out)
}

func (s *Session) emit(out Output) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch != nil {
		ch.PostOutput(out)
	}
	s.output(out)
}

func writeOutput(out Output) {
	w := os.Stdout
	if out.Kind == OutputError {
		w = os.Stderr
	}
	fmt.Fprintln(w, out.Text)
}

// luaPrint replaces the print global so program output reaches the
// front-end.
func (s *Session) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.OutputLog(strings.Join(parts, "\t"))
	return 0
}

var luaErrorPattern = regexp.MustCompile(`^(.+?):(\d+):`)

// ParseLuaError extracts the source key and line of a Lua error message
// such as "script.lua:12: attempt to call a nil value". Only the first line
// of msg is examined.
func ParseLuaError(msg string) (key string, line int, ok bool) {
	first, _, _ := strings.Cut(msg, "\n")
	m := luaErrorPattern.FindStringSubmatch(first)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}
