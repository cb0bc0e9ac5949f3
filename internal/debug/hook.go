package debug

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/debug/instrument"
)

// dispatchHook routes instrumentation events to the session of L.
func dispatchHook(L *lua.LState, ev instrument.Event, line int, key string) {
	if s := FromState(L); s != nil {
		s.onHook(L, ev, line, key)
	}
}

// onHook runs on the interpreter goroutine for every event.
func (s *Session) onHook(L *lua.LState, ev instrument.Event, line int, key string) {
	s.mu.Lock()
	if s.state == StateQuit || !s.enabled {
		s.mu.Unlock()
		return
	}

	switch ev {
	case instrument.EventCall:
		s.coroutineLocked(L).depth++
		s.mu.Unlock()
		return
	case instrument.EventReturn:
		s.coroutineLocked(L).depth--
		s.mu.Unlock()
		return
	}

	reason, stop := s.shouldStopLocked(L, key, line)
	if !stop {
		s.mu.Unlock()
		return
	}

	s.setStateLocked(StateBreak)
	s.step = stepTarget{}
	s.stopped = L
	hit := BreakHit{
		Key:    key,
		Line:   line,
		Reason: reason,
		Frames: s.inspector.Stack(L),
	}
	ch := s.channel
	onBreak := s.onBreak
	s.mu.Unlock()

	s.inspector.Registry().Prune()
	s.logger.Debug("stopped at %s:%d (%s)", key, line, reason)

	if ch != nil {
		if err := ch.SendBreakHit(hit); err != nil {
			s.logger.Error("sending break notification: %v", err)
			s.Quit(false)
		}
	}
	if onBreak != nil {
		onBreak(hit)
	}
	s.waitForCommand(L)
}

// shouldStopLocked decides whether the line event at (key, line) on L is a
// stop, and why.
func (s *Session) shouldStopLocked(L *lua.LState, key string, line int) (string, bool) {
	switch s.state {
	case StateBreak:
		return ReasonPause, true
	case StateStepInto:
		if s.entry {
			s.entry = false
			return ReasonEntry, true
		}
		return ReasonStep, true
	case StateStepOver, StateStepReturn:
		if s.step.co == nil || !s.knownLocked(s.step.co) {
			// The coroutine being stepped is gone; run on to breakpoints.
			s.step = stepTarget{}
			s.setStateLocked(StateNormal)
			return ReasonBreakpoint, s.breakpoints.hit(key, line)
		}
		if L == s.step.co && s.coroutineLocked(L).depth <= s.step.depth {
			return ReasonStep, true
		}
		return "", false
	default:
		return ReasonBreakpoint, s.breakpoints.hit(key, line)
	}
}

// waitForCommand blocks the interpreter at a stop, running queued work,
// until a command moves the session out of BREAK.
func (s *Session) waitForCommand(L *lua.LState) {
	s.mu.Lock()
	for {
		for len(s.work) > 0 && s.state != StateQuit {
			w := s.work[0]
			s.work = s.work[1:]
			s.mu.Unlock()
			s.runWork(L, w)
			s.mu.Lock()
		}
		if s.state != StateBreak {
			break
		}
		s.cond.Wait()
	}
	s.stopped = nil
	s.mu.Unlock()
}

func (s *Session) runWork(L *lua.LState, w hookWork) {
	restore := s.Suppress()
	defer restore()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("%s panicked: %v", w.op, r)
			if w.abort != nil {
				w.abort(fmt.Errorf("%s: %v", w.op, r))
			}
		}
	}()
	w.run(L)
}

// Submit queues run for execution on the interpreter goroutine at the
// current stop. It fails unless the interpreter is stopped. If the session
// quits before run executes, abort is called instead.
func (s *Session) Submit(op string, run func(L *lua.LState), abort func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBreak || s.stopped == nil {
		return s.rejectLocked(op)
	}
	s.work = append(s.work, hookWork{op: op, run: run, abort: abort})
	s.cond.Broadcast()
	return nil
}

// Stack reports the frames of the stopped coroutine.
func (s *Session) Stack(done func([]inspect.StackFrame, error)) error {
	return s.Submit("stack",
		func(L *lua.LState) { done(s.inspector.Stack(L), nil) },
		func(err error) { done(nil, err) })
}

// Backtrace reports the frames of the stopped coroutine and every
// coroutine that resumed it.
func (s *Session) Backtrace(done func([]inspect.StackFrame, error)) error {
	return s.Submit("backtrace",
		func(L *lua.LState) { done(s.inspector.Backtrace(L), nil) },
		func(err error) { done(nil, err) })
}

// Locals reports the local variables of the frame at level.
func (s *Session) Locals(level int, done func([]inspect.Variable, error)) error {
	return s.Submit("locals",
		func(L *lua.LState) { done(s.inspector.Locals(L, level)) },
		func(err error) { done(nil, err) })
}

// Upvalues reports the upvalues of the function at level.
func (s *Session) Upvalues(level int, done func([]inspect.Variable, error)) error {
	return s.Submit("upvalues",
		func(L *lua.LState) { done(s.inspector.Upvalues(L, level)) },
		func(err error) { done(nil, err) })
}

// Environ reports the environment table of the function at level.
func (s *Session) Environ(level int, done func([]inspect.Variable, error)) error {
	return s.Submit("environ",
		func(L *lua.LState) { done(s.inspector.Environ(L, level)) },
		func(err error) { done(nil, err) })
}

// Globals reports the global table.
func (s *Session) Globals(done func([]inspect.Variable, error)) error {
	return s.Submit("globals",
		func(L *lua.LState) { done(s.inspector.Globals(L), nil) },
		func(err error) { done(nil, err) })
}

// Fields expands the value registered under handle.
func (s *Session) Fields(handle int, done func([]inspect.Variable, error)) error {
	return s.Submit("fields",
		func(L *lua.LState) { done(s.inspector.Fields(L, handle)) },
		func(err error) { done(nil, err) })
}

// Evaluate runs expr in the scope of the frame at level.
func (s *Session) Evaluate(expr string, level int, done func(inspect.EvalResult, error)) error {
	return s.Submit("evaluate",
		func(L *lua.LState) { done(s.inspector.Evaluate(L, expr, level), nil) },
		func(err error) { done(inspect.EvalResult{}, err) })
}
