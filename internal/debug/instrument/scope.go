package instrument

import (
	"math"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
)

// gopher-lua records where each local goes out of scope under the local's
// register number rather than its own debug entry, so the end positions of
// locals are wrong as soon as a block releases registers. Instrumented code
// closes every block that declares locals with a marker local named
// "(scope N)". The marker's start position is where the N innermost open
// locals end.
const scopePrefix = "(scope "

func scopeMarker(n int) string {
	return scopePrefix + strconv.Itoa(n) + ")"
}

// scopeSize reports the number of locals a marker closes.
func scopeSize(name string) (int, bool) {
	if !strings.HasPrefix(name, scopePrefix) || !strings.HasSuffix(name, ")") {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(scopePrefix) : len(name)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// declared counts the locals a statement list declares at its own level.
func declared(stmts []ast.Stmt) int {
	n := 0
	for _, stmt := range stmts {
		if s, ok := stmt.(*ast.LocalAssignStmt); ok {
			n += len(s.Names)
		}
	}
	return n
}

// Instrumented reports whether proto was compiled from a rewritten chunk.
// The main chunk binds the hook as a local and every nested function
// captures it.
func Instrumented(proto *lua.FunctionProto) bool {
	for _, name := range proto.DbgUpvalues {
		if name == HookName {
			return true
		}
	}
	for _, l := range proto.DbgLocals {
		if l.Name == HookName {
			return true
		}
	}
	return false
}

// ActiveLocals returns the names of the locals of proto that are live at
// instruction pc, in register order: the i-th name is in register i+1 as
// numbered by LState.GetLocal. Internal slots such as "(for index)" are
// included so positions keep matching registers.
//
// Prototypes that were not instrumented fall back to the end positions
// gopher-lua recorded, which are only reliable until the first block that
// declares locals is left.
func ActiveLocals(proto *lua.FunctionProto, pc int) []string {
	var names []string
	if !Instrumented(proto) {
		for _, l := range proto.DbgLocals {
			if l.StartPc <= pc && pc <= l.EndPc {
				names = append(names, l.Name)
			}
		}
		return names
	}

	type span struct {
		name       string
		start, end int
	}
	var spans []span
	var open []int
	for _, l := range proto.DbgLocals {
		if n, ok := scopeSize(l.Name); ok {
			n = min(n, len(open))
			for _, i := range open[len(open)-n:] {
				spans[i].end = l.StartPc
			}
			open = open[:len(open)-n]
			continue
		}
		open = append(open, len(spans))
		spans = append(spans, span{name: l.Name, start: l.StartPc, end: math.MaxInt})
	}

	for _, s := range spans {
		if s.start <= pc && pc < s.end {
			names = append(names, s.name)
		}
	}
	return names
}
