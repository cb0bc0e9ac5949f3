// Package debug implements the session engine of lldebug, an interactive
// debugger for Lua scripts embedded in Go programs.
//
// A Session owns one gopher-lua interpreter. Chunks loaded through the
// session are instrumented (see package instrument) so that every executed
// line, call and return reaches the session's hook. The hook decides
// whether to stop, according to the execution state and the breakpoints:
//
//	INITIAL -> NORMAL | STEPINTO (stop on entry)
//	NORMAL --breakpoint--> BREAK
//	BREAK --stepInto/stepOver/stepReturn/continue--> STEPINTO/STEPOVER/STEPRETURN/NORMAL
//	any --quit--> QUIT
//
// At a stop the interpreter goroutine blocks inside the hook. Commands
// arrive from other goroutines (typically a remote front-end) and either
// change the state, releasing the interpreter, or queue work such as
// listing locals, which the interpreter goroutine executes before waiting
// again.
//
// Call depths are tracked per coroutine so that stepping over a line does
// not stop in callees, and stepping in a coroutine survives yields.
package debug
