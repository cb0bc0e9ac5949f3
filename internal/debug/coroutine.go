package debug

import (
	lua "github.com/yuin/gopher-lua"
)

// coroutineInfo is the call depth of one running coroutine.
type coroutineInfo struct {
	L     *lua.LState
	depth int
}

// stepTarget records where a step command should stop.
type stepTarget struct {
	co    *lua.LState
	depth int
}

// coroutineLocked returns the bookkeeping entry of L. Coroutines resumed
// outside coroutine.resume (e.g. by Go code calling LState.Resume) get an
// entry on first sight.
func (s *Session) coroutineLocked(L *lua.LState) *coroutineInfo {
	for i := len(s.coroutines) - 1; i >= 0; i-- {
		if s.coroutines[i].L == L {
			return s.coroutines[i]
		}
	}
	co := &coroutineInfo{L: L, depth: s.parked[L]}
	delete(s.parked, L)
	s.coroutines = append(s.coroutines, co)
	return co
}

// knownLocked reports whether co is running or suspended.
func (s *Session) knownLocked(co *lua.LState) bool {
	for _, info := range s.coroutines {
		if info.L == co {
			return true
		}
	}
	_, ok := s.parked[co]
	return ok
}

// enterCoroutine pushes th before it is resumed, restoring the depth it
// had when it last yielded.
func (s *Session) enterCoroutine(th *lua.LState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark := len(s.coroutines)
	s.coroutines = append(s.coroutines, &coroutineInfo{L: th, depth: s.parked[th]})
	delete(s.parked, th)
	return mark
}

// leaveCoroutine pops th once its resume returned. ok is false when the
// coroutine raised an error.
func (s *Session) leaveCoroutine(resumer, th *lua.LState, mark int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	if mark < len(s.coroutines) {
		depth = s.coroutines[mark].depth
		for _, info := range s.coroutines[mark+1:] {
			// Resumed from Go inside th and never popped.
			delete(s.parked, info.L)
		}
		s.coroutines = s.coroutines[:mark]
	}

	if !th.Dead {
		s.parked[th] = depth
		return
	}

	if s.step.co == th && ok && (s.state == StateStepOver || s.state == StateStepReturn) {
		// The stepped coroutine finished: continue the step in its resumer.
		s.step.co = resumer
		s.step.depth = s.coroutineLocked(resumer).depth
	}
}

// protectMark snapshots the bookkeeping of L for a protected call.
type protectMark struct {
	stack int
	depth int
}

func (s *Session) markProtected(L *lua.LState) protectMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protectMark{stack: len(s.coroutines), depth: s.coroutineLocked(L).depth}
}

// restoreProtected undoes the depth changes of frames unwound by an error.
func (s *Session) restoreProtected(L *lua.LState, m protectMark) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.stack < len(s.coroutines) {
		s.coroutines = s.coroutines[:m.stack]
	}
	s.coroutineLocked(L).depth = m.depth
}

// resetRoot clears the bookkeeping after a top-level run returned.
func (s *Session) resetRoot() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.coroutines = s.coroutines[:1]
	s.coroutines[0].depth = 0
	clear(s.parked)
}

// installCoroutineHooks wraps coroutine.resume and coroutine.wrap so that
// every resume is bracketed by enter/leave, and pcall/xpcall so that error
// unwinding restores depths.
func (s *Session) installCoroutineHooks(L *lua.LState) {
	co, ok := L.GetGlobal(lua.CoroutineLibName).(*lua.LTable)
	if !ok {
		return
	}
	resume, _ := co.RawGetString("resume").(*lua.LFunction)
	create, _ := co.RawGetString("create").(*lua.LFunction)
	if resume == nil || create == nil {
		return
	}

	doResume := func(L *lua.LState) int {
		th := L.CheckThread(1)
		mark := s.enterCoroutine(th)
		n := 0
		defer func() {
			ok := n > 0 && L.Get(L.GetTop()-n+1) != lua.LFalse
			s.leaveCoroutine(L, th, mark, ok)
		}()
		n = resume.GFunction(L)
		return n
	}

	co.RawSetString("resume", L.NewFunction(doResume))
	co.RawSetString("wrap", L.NewFunction(func(L *lua.LState) int {
		L.CheckFunction(1)
		L.SetTop(1)
		create.GFunction(L)
		th := L.CheckThread(-1)
		L.Pop(1)

		L.Push(L.NewFunction(func(L *lua.LState) int {
			L.Insert(th, 1)
			n := doResume(L)
			top := L.GetTop()
			first := top - n + 1
			if L.Get(first) == lua.LFalse {
				L.Error(L.Get(first+1), 0)
				return 0
			}
			L.Remove(first)
			return n - 1
		}))
		return 1
	}))

	for _, name := range []string{"pcall", "xpcall"} {
		orig, ok := L.GetGlobal(name).(*lua.LFunction)
		if !ok || !orig.IsG {
			continue
		}
		L.SetGlobal(name, L.NewFunction(func(L *lua.LState) int {
			mark := s.markProtected(L)
			n := orig.GFunction(L)
			if n > 0 && L.Get(L.GetTop()-n+1) == lua.LFalse {
				s.restoreProtected(L, mark)
			}
			return n
		}))
	}
}
