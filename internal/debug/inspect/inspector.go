// Package inspect snapshots interpreter frames and values into plain
// records that can cross goroutines and the wire.
//
// Every function here calls into gopher-lua and must run on the goroutine
// that owns the interpreter, while that interpreter is stopped inside a Go
// function. Stack levels are relative to that Go function: the Inspector's
// frame offset says how many frames to skip before level 0.
package inspect

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/lldebug/internal/debug/instrument"
)

// DefaultFrameOffset skips the Go function the interpreter is stopped in.
const DefaultFrameOffset = 1

// GoSource is the source key reported for Go functions.
const GoSource = "[G]"

// Inspector produces snapshots backed by a shared identity registry.
type Inspector struct {
	registry *Registry
	offset   int
	hidden   map[string]bool
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithFrameOffset sets the number of frames skipped before level 0.
func WithFrameOffset(n int) Option {
	return func(in *Inspector) {
		if n >= 0 {
			in.offset = n
		}
	}
}

// WithHiddenNames hides locals, upvalues, globals and environment entries
// by name.
func WithHiddenNames(names ...string) Option {
	return func(in *Inspector) {
		for _, n := range names {
			in.hidden[n] = true
		}
	}
}

// New creates an Inspector. A nil registry gets a fresh one.
func New(reg *Registry, opts ...Option) *Inspector {
	if reg == nil {
		reg = NewRegistry()
	}
	in := &Inspector{
		registry: reg,
		offset:   DefaultFrameOffset,
		hidden:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Registry returns the identity registry.
func (in *Inspector) Registry() *Registry {
	return in.registry
}

// Stack snapshots every frame of L from level 0 outwards.
func (in *Inspector) Stack(L *lua.LState) []StackFrame {
	var frames []StackFrame
	for level := 0; ; level++ {
		dbg, ok := L.GetStack(in.offset + level)
		if !ok {
			break
		}
		frames = append(frames, in.frame(L, dbg, level))
	}
	return frames
}

// Backtrace snapshots the stack of L followed by the stacks of the
// coroutines that resumed it, innermost first. Levels keep counting across
// coroutine boundaries.
func (in *Inspector) Backtrace(L *lua.LState) []StackFrame {
	frames := in.Stack(L)
	for co := L.Parent; co != nil; co = co.Parent {
		// The resumer is stopped inside coroutine.resume, a Go frame.
		for level := 0; ; level++ {
			dbg, ok := co.GetStack(level)
			if !ok {
				break
			}
			frames = append(frames, in.frame(co, dbg, len(frames)))
		}
	}
	return frames
}

func (in *Inspector) frame(L *lua.LState, dbg *lua.Debug, level int) StackFrame {
	if _, err := L.GetInfo("nSl", dbg, nil); err != nil {
		return StackFrame{Level: level, Name: "?", Source: GoSource, Line: -1}
	}

	f := StackFrame{
		Level:       level,
		Name:        FunctionName(L, dbg),
		Source:      dbg.Source,
		Line:        dbg.CurrentLine,
		LineDefined: dbg.LineDefined,
	}
	if dbg.What == "G" {
		f.Source = GoSource
		f.Line = -1
	}
	return f
}

// FunctionName resolves the display name of a frame whose debug record was
// filled with "nS".
func FunctionName(L *lua.LState, dbg *lua.Debug) string {
	switch dbg.What {
	case "main":
		if L == L.G.MainThread {
			return "main_chunk"
		}
	case "G", "tail":
		return "?"
	}

	if isExplicitName(dbg.Name) {
		return dbg.Name
	}
	return fmt.Sprintf("no name [defined <%s:%d>]", dbg.Source, dbg.LineDefined)
}

// isExplicitName filters out the placeholders gopher-lua synthesizes when
// the call site does not name the function.
func isExplicitName(name string) bool {
	switch name {
	case "", "?", "main chunk", "corountine", "(anonymous)":
		return false
	}
	return !strings.HasPrefix(name, "<")
}

// Locals lists the named locals of the frame at level. Internal
// temporaries such as "(for index)" are skipped.
func (in *Inspector) Locals(L *lua.LState, level int) ([]Variable, error) {
	dbg, ok := L.GetStack(in.offset + level)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoFrame, level)
	}

	var vars []Variable
	for n, name := range localNames(L, dbg) {
		if !in.visible(name) {
			continue
		}
		_, v := L.GetLocal(dbg, n+1)
		vars = append(vars, in.variable(L, name, v))
	}
	return vars, nil
}

func (in *Inspector) visible(name string) bool {
	return name != "" && !strings.HasPrefix(name, "(") && !in.hidden[name]
}

// localNames lists the locals live in the frame of dbg in register order.
// LState.GetLocal names registers from debug ranges gopher-lua does not
// keep accurate, so only its values are used.
func localNames(L *lua.LState, dbg *lua.Debug) []string {
	fv, err := L.GetInfo("f", dbg, nil)
	if err == nil {
		if fn, ok := fv.(*lua.LFunction); ok && !fn.IsG {
			if pc, ok := framePC(dbg); ok {
				return instrument.ActiveLocals(fn.Proto, pc)
			}
		}
	}

	var names []string
	for n := 1; ; n++ {
		name, _ := L.GetLocal(dbg, n)
		if name == "" {
			return names
		}
		names = append(names, name)
	}
}

// framePC returns the index of the instruction the frame of dbg is
// executing. gopher-lua keeps the program counter in the unexported call
// frame behind the debug record.
func framePC(dbg *lua.Debug) (int, bool) {
	frame := reflect.ValueOf(dbg).Elem().FieldByName("frame")
	if frame.Kind() != reflect.Pointer || frame.IsNil() {
		return 0, false
	}
	pc := frame.Elem().FieldByName("Pc")
	if pc.Kind() != reflect.Int || pc.Int() < 1 {
		return 0, false
	}
	return int(pc.Int()) - 1, true
}

// Upvalues lists the upvalues of the function running at level.
func (in *Inspector) Upvalues(L *lua.LState, level int) ([]Variable, error) {
	fn, err := in.frameFunction(L, level)
	if err != nil {
		return nil, err
	}

	var vars []Variable
	for n := 1; ; n++ {
		name, v := L.GetUpvalue(fn, n)
		if name == "" {
			break
		}
		if in.hidden[name] {
			continue
		}
		vars = append(vars, in.variable(L, name, v))
	}
	return vars, nil
}

// Environ lists the environment table of the function running at level.
func (in *Inspector) Environ(L *lua.LState, level int) ([]Variable, error) {
	fn, err := in.frameFunction(L, level)
	if err != nil {
		return nil, err
	}
	env := fn.Env
	if env == nil {
		env = L.G.Global
	}
	return in.tableFields(L, env, true), nil
}

// Globals lists the global table.
func (in *Inspector) Globals(L *lua.LState) []Variable {
	return in.tableFields(L, L.G.Global, true)
}

// Fields lists the children of the value behind handle. Tables list their
// entries; a value with a metatable gets a "(metatable)" entry.
func (in *Inspector) Fields(L *lua.LState, handle int) ([]Variable, error) {
	v, ok := in.registry.Lookup(handle)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}

	var vars []Variable
	var mt lua.LValue = lua.LNil
	switch lv := v.(type) {
	case *lua.LTable:
		vars = in.tableFields(L, lv, false)
		mt = lv.Metatable
	case *lua.LUserData:
		mt = lv.Metatable
	}
	if mt != lua.LNil {
		vars = append(vars, in.variable(L, "(metatable)", mt))
	}
	return vars, nil
}

// Value returns the value behind handle.
func (in *Inspector) Value(handle int) (lua.LValue, bool) {
	return in.registry.Lookup(handle)
}

// Variable snapshots a single named value.
func (in *Inspector) Variable(L *lua.LState, name string, v lua.LValue) Variable {
	return in.variable(L, name, v)
}

func (in *Inspector) variable(L *lua.LState, name string, v lua.LValue) Variable {
	vr := Variable{
		Name:  name,
		Value: Render(L, v),
		Type:  TypeName(v),
	}
	if HasChildren(L, v) {
		vr.HasChildren = true
		vr.Handle = in.registry.Handle(v)
	}
	return vr
}

func (in *Inspector) frameFunction(L *lua.LState, level int) (*lua.LFunction, error) {
	dbg, ok := L.GetStack(in.offset + level)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoFrame, level)
	}
	fv, err := L.GetInfo("f", dbg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %v", ErrNoFrame, level, err)
	}
	fn, ok := fv.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoFrame, level)
	}
	return fn, nil
}

// fieldKey orders table entries: array indices first, then string keys,
// then everything else by rendering.
type fieldKey struct {
	class int
	num   float64
	str   string
}

func (in *Inspector) tableFields(L *lua.LState, tbl *lua.LTable, filter bool) []Variable {
	type entry struct {
		sort fieldKey
		name string
		v    lua.LValue
	}

	var entries []entry
	tbl.ForEach(func(k, v lua.LValue) {
		var e entry
		switch kv := k.(type) {
		case lua.LNumber:
			e.sort = fieldKey{class: 0, num: float64(kv)}
			e.name = "[" + RenderRaw(kv) + "]"
		case lua.LString:
			if filter && in.hidden[string(kv)] {
				return
			}
			e.sort = fieldKey{class: 1, str: string(kv)}
			e.name = string(kv)
		default:
			r := RenderRaw(k)
			e.sort = fieldKey{class: 2, str: r}
			e.name = "[" + r + "]"
		}
		e.v = v
		entries = append(entries, e)
	})

	slices.SortStableFunc(entries, func(a, b entry) int {
		if a.sort.class != b.sort.class {
			return a.sort.class - b.sort.class
		}
		if a.sort.class == 0 {
			switch {
			case a.sort.num < b.sort.num:
				return -1
			case a.sort.num > b.sort.num:
				return 1
			}
			return 0
		}
		return strings.Compare(a.sort.str, b.sort.str)
	})

	vars := make([]Variable, 0, len(entries))
	for _, e := range entries {
		vars = append(vars, in.variable(L, e.name, e.v))
	}
	return vars
}

// Evaluate runs expr in the scope of the frame at level. Free names
// resolve to the frame's locals, then its upvalues, then its environment;
// assignments write back to the same place. The chunk is tried first as an
// expression and then as a statement. Errors are returned in the result
// string, never raised.
func (in *Inspector) Evaluate(L *lua.LState, expr string, level int) EvalResult {
	dbg, ok := L.GetStack(in.offset + level)
	if !ok {
		return EvalResult{Result: fmt.Sprintf("error: no frame at level %d", level)}
	}
	fv, err := L.GetInfo("f", dbg, nil)
	if err != nil {
		return EvalResult{Result: "error: " + err.Error()}
	}
	frameFn, _ := fv.(*lua.LFunction)

	chunk, err := L.LoadString("return " + expr)
	if err != nil {
		chunk, err = L.LoadString(expr)
		if err != nil {
			return EvalResult{Result: "error: " + errorMessage(err)}
		}
	}
	chunk.Env = in.scope(L, dbg, frameFn)

	top := L.GetTop()
	defer L.SetTop(top)

	L.Push(chunk)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return EvalResult{Result: "error: " + errorMessage(err)}
	}

	var res EvalResult
	rendered := make([]string, 0, L.GetTop()-top)
	for i := top + 1; i <= L.GetTop(); i++ {
		v := in.variable(L, strconv.Itoa(i-top), L.Get(i))
		res.Values = append(res.Values, v)
		rendered = append(rendered, v.Value)
	}
	res.Result = strings.Join(rendered, ", ")
	return res
}

// scope builds the proxy environment used by Evaluate.
func (in *Inspector) scope(L *lua.LState, dbg *lua.Debug, fn *lua.LFunction) *lua.LTable {
	base := L.G.Global
	if fn != nil && fn.Env != nil {
		base = fn.Env
	}

	// findLocal returns the register of the innermost live local with
	// name, or 0.
	locals := localNames(L, dbg)
	findLocal := func(name string) int {
		for n := len(locals); n > 0; n-- {
			if locals[n-1] == name && in.visible(name) {
				return n
			}
		}
		return 0
	}
	findUpvalue := func(name string) int {
		if fn == nil {
			return 0
		}
		for n := 1; ; n++ {
			un, _ := L.GetUpvalue(fn, n)
			if un == "" {
				return 0
			}
			if un == name {
				return n
			}
		}
	}

	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2)
		if name, ok := key.(lua.LString); ok {
			if n := findLocal(string(name)); n > 0 {
				_, v := L.GetLocal(dbg, n)
				L.Push(v)
				return 1
			}
			if n := findUpvalue(string(name)); n > 0 {
				_, v := L.GetUpvalue(fn, n)
				L.Push(v)
				return 1
			}
		}
		L.Push(L.GetTable(base, key))
		return 1
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2)
		val := L.Get(3)
		if name, ok := key.(lua.LString); ok {
			if n := findLocal(string(name)); n > 0 {
				L.SetLocal(dbg, n, val)
				return 0
			}
			if n := findUpvalue(string(name)); n > 0 {
				L.SetUpvalue(fn, n, val)
				return 0
			}
		}
		L.SetTable(base, key, val)
		return 0
	}))
	L.SetMetatable(proxy, mt)
	return proxy
}

// errorMessage strips the traceback gopher-lua appends to runtime errors.
func errorMessage(err error) string {
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
