// Package instrument rewrites Lua chunks so that they report execution
// events to a Go hook.
//
// gopher-lua has no line or call hooks in its VM, so the rewriter inserts
// calls to a hook function into the parsed AST before compilation:
//
//   - a line event before every executable statement
//   - a call event at the start of every function body (and the main chunk)
//   - a return event on every return path
//
// The main chunk starts by copying the hook global into a local of the same
// name. Every nested function reaches the hook through that upvalue, so a
// function whose environment was replaced with setfenv still reports.
//
// Return statements are rewritten as
//
//	return __lldebug_hook(2, line, key, <original expressions>)
//
// The hook passes its trailing arguments through unchanged, so the
// returned values are evaluated before the event fires and callers see the
// same results. A tail call keeps its shape so the callee reuses the frame:
//
//	__lldebug_hook(2, line, key); return g(x)
//
// Its arguments are then evaluated after the return event.
//
// Blocks that declare locals end with a scope marker local so that
// ActiveLocals can tell which locals a paused frame can see.
package instrument

import (
	"io"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// HookName is the global the instrumented code calls, and the name of the
// local each instrumented chunk binds it to.
const HookName = "__lldebug_hook"

// Event identifies what the instrumented code is reporting.
type Event int

// Event values. They are passed to the hook as plain numbers.
const (
	EventLine Event = iota
	EventCall
	EventReturn
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventLine:
		return "line"
	case EventCall:
		return "call"
	case EventReturn:
		return "return"
	default:
		return "unknown"
	}
}

// Handler receives events. L is the coroutine that executed the statement;
// its stack level 1 is the instrumented function.
type Handler func(L *lua.LState, ev Event, line int, key string)

// Install registers the hook global on L. Every coroutine of L shares it.
func Install(L *lua.LState, h Handler) {
	L.SetGlobal(HookName, L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		ev := Event(L.CheckInt(1))
		line := L.CheckInt(2)
		key := L.CheckString(3)

		h(L, ev, line, key)

		// Anything the handler left behind must not leak into the results.
		if L.GetTop() > top {
			L.SetTop(top)
		}
		return top - 3
	}))
}

// Compile parses src, instruments it for key and compiles it. The returned
// prototype is named key, which is what tracebacks and error messages show.
func Compile(src io.Reader, key string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(src, key)
	if err != nil {
		return nil, &lua.ApiError{Type: lua.ApiErrorSyntax, Object: lua.LString(strings.TrimRight(err.Error(), "\n")), Cause: err}
	}

	chunk = Rewrite(chunk, key)

	proto, err := lua.Compile(chunk, key)
	if err != nil {
		return nil, &lua.ApiError{Type: lua.ApiErrorSyntax, Object: lua.LString(err.Error()), Cause: err}
	}
	return proto, nil
}

// CompileString is Compile for an in-memory chunk.
func CompileString(src, key string) (*lua.FunctionProto, error) {
	return Compile(strings.NewReader(src), key)
}

// Rewrite instruments a parsed main chunk. The chunk is modified in place
// and the new statement list is returned.
func Rewrite(chunk []ast.Stmt, key string) []ast.Stmt {
	r := &rewriter{key: key}

	first, last := 1, 1
	if len(chunk) > 0 {
		first = chunk[0].Line()
		last = lastLine(chunk[len(chunk)-1])
	}
	bind := &ast.LocalAssignStmt{
		Names: []string{HookName},
		Exprs: []ast.Expr{ident(HookName, first)},
	}
	setPos(bind, first)

	return append([]ast.Stmt{bind}, r.body(chunk, first, last)...)
}

type rewriter struct {
	key string
}

// body instruments a function body: call event, statements, and a
// trailing return event when the body can fall off its end.
func (r *rewriter) body(stmts []ast.Stmt, defLine, endLine int) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts)+2)
	out = append(out, r.eventStmt(EventCall, defLine))
	out = append(out, r.block(stmts)...)

	if len(stmts) == 0 || !isReturn(stmts[len(stmts)-1]) {
		out = append(out, r.eventStmt(EventReturn, endLine))
	}
	return out
}

// block instruments a statement list, inserting a line event before each
// executable statement.
func (r *rewriter) block(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, stmt := range stmts {
		if _, ok := stmt.(*ast.LabelStmt); !ok {
			out = append(out, r.eventStmt(EventLine, stmt.Line()))
		}
		if call, ok := tailCall(stmt); ok {
			r.expr(call)
			out = append(out, r.eventStmt(EventReturn, stmt.Line()), stmt)
			continue
		}
		out = append(out, r.stmt(stmt))
	}
	return out
}

// scoped instruments the statements of a nested block and closes the
// block with a scope marker when it declares locals. inherited counts the
// locals the enclosing statement declares in the same block, such as loop
// variables. end is the line of the enclosing statement's end.
func (r *rewriter) scoped(stmts []ast.Stmt, inherited, end int) []ast.Stmt {
	n := inherited + declared(stmts)
	out := r.block(stmts)
	if n == 0 {
		return out
	}

	marker := &ast.LocalAssignStmt{Names: []string{scopeMarker(n)}}
	setPos(marker, end)

	// A label that ends a block stays last so gotos may jump to it past
	// the block's locals.
	at := len(out)
	for at > 0 {
		if _, ok := out[at-1].(*ast.LabelStmt); !ok {
			break
		}
		at--
	}
	out = append(out[:at], append([]ast.Stmt{marker}, out[at:]...)...)
	return out
}

func (r *rewriter) stmt(stmt ast.Stmt) ast.Stmt {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		r.exprs(s.Lhs)
		r.exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		r.exprs(s.Exprs)
	case *ast.FuncCallStmt:
		s.Expr = r.expr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = r.scoped(s.Stmts, 0, lastLine(s))
	case *ast.WhileStmt:
		s.Condition = r.expr(s.Condition)
		s.Stmts = r.scoped(s.Stmts, 0, lastLine(s))
	case *ast.RepeatStmt:
		s.Condition = r.expr(s.Condition)
		s.Stmts = r.scoped(s.Stmts, 0, lastLine(s))
	case *ast.IfStmt:
		s.Condition = r.expr(s.Condition)
		s.Then = r.scoped(s.Then, 0, lastLine(s))
		s.Else = r.scoped(s.Else, 0, lastLine(s))
	case *ast.NumberForStmt:
		s.Init = r.expr(s.Init)
		s.Limit = r.expr(s.Limit)
		if s.Step != nil {
			s.Step = r.expr(s.Step)
		}
		// (for index), (for limit), (for step) and the loop variable.
		s.Stmts = r.scoped(s.Stmts, 4, lastLine(s))
	case *ast.GenericForStmt:
		r.exprs(s.Exprs)
		// (for generator), (for state), (for control) and the names.
		s.Stmts = r.scoped(s.Stmts, 3+len(s.Names), lastLine(s))
	case *ast.FuncDefStmt:
		if s.Name != nil {
			if s.Name.Func != nil {
				s.Name.Func = r.expr(s.Name.Func)
			}
			if s.Name.Receiver != nil {
				s.Name.Receiver = r.expr(s.Name.Receiver)
			}
		}
		r.function(s.Func)
	case *ast.ReturnStmt:
		r.exprs(s.Exprs)
		call := r.eventCall(EventReturn, s.Line(), s.Exprs)
		s.Exprs = []ast.Expr{call}
	}
	return stmt
}

func (r *rewriter) exprs(list []ast.Expr) {
	for i, e := range list {
		list[i] = r.expr(e)
	}
}

// expr descends into an expression looking for function literals.
func (r *rewriter) expr(expr ast.Expr) ast.Expr {
	switch e := expr.(type) {
	case *ast.FunctionExpr:
		r.function(e)
	case *ast.FuncCallExpr:
		if e.Func != nil {
			e.Func = r.expr(e.Func)
		}
		if e.Receiver != nil {
			e.Receiver = r.expr(e.Receiver)
		}
		r.exprs(e.Args)
	case *ast.AttrGetExpr:
		e.Object = r.expr(e.Object)
		e.Key = r.expr(e.Key)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			if f.Key != nil {
				f.Key = r.expr(f.Key)
			}
			f.Value = r.expr(f.Value)
		}
	case *ast.LogicalOpExpr:
		e.Lhs = r.expr(e.Lhs)
		e.Rhs = r.expr(e.Rhs)
	case *ast.RelationalOpExpr:
		e.Lhs = r.expr(e.Lhs)
		e.Rhs = r.expr(e.Rhs)
	case *ast.StringConcatOpExpr:
		e.Lhs = r.expr(e.Lhs)
		e.Rhs = r.expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		e.Lhs = r.expr(e.Lhs)
		e.Rhs = r.expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		e.Expr = r.expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		e.Expr = r.expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		e.Expr = r.expr(e.Expr)
	}
	return expr
}

func (r *rewriter) function(fn *ast.FunctionExpr) {
	end := fn.LastLine()
	if end == 0 {
		end = fn.Line()
	}
	fn.Stmts = r.body(fn.Stmts, fn.Line(), end)
}

func (r *rewriter) eventStmt(ev Event, line int) ast.Stmt {
	stmt := &ast.FuncCallStmt{Expr: r.eventCall(ev, line, nil)}
	setPos(stmt, line)
	return stmt
}

func (r *rewriter) eventCall(ev Event, line int, extra []ast.Expr) *ast.FuncCallExpr {
	args := make([]ast.Expr, 0, 3+len(extra))
	args = append(args,
		number(int(ev), line),
		number(line, line),
		str(r.key, line),
	)
	args = append(args, extra...)

	call := &ast.FuncCallExpr{Func: ident(HookName, line), Args: args}
	setPos(call, line)
	return call
}

func ident(name string, line int) ast.Expr {
	e := &ast.IdentExpr{Value: name}
	setPos(e, line)
	return e
}

func number(n, line int) ast.Expr {
	e := &ast.NumberExpr{Value: strconv.Itoa(n)}
	setPos(e, line)
	return e
}

func str(s string, line int) ast.Expr {
	e := &ast.StringExpr{Value: s}
	setPos(e, line)
	return e
}

func setPos(n ast.PositionHolder, line int) {
	n.SetLine(line)
	n.SetLastLine(line)
}

func isReturn(stmt ast.Stmt) bool {
	_, ok := stmt.(*ast.ReturnStmt)
	return ok
}

// tailCall reports whether stmt is "return f(...)", which the compiler
// turns into a tail call. A parenthesized call is adjusted to one value and
// is not one.
func tailCall(stmt ast.Stmt) (*ast.FuncCallExpr, bool) {
	ret, ok := stmt.(*ast.ReturnStmt)
	if !ok || len(ret.Exprs) != 1 {
		return nil, false
	}
	call, ok := ret.Exprs[0].(*ast.FuncCallExpr)
	if !ok || call.AdjustRet {
		return nil, false
	}
	return call, true
}

func lastLine(stmt ast.Stmt) int {
	if l := stmt.LastLine(); l > 0 {
		return l
	}
	return stmt.Line()
}
