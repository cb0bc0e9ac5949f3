package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/remote"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// listContext is the number of lines shown around the current line by list.
const listContext = 4

// console is the interactive front-end bound to one engine.
type console struct {
	client *remote.Client
	out    io.Writer

	mu      sync.Mutex
	last    debug.BreakHit
	stopped bool
	sources map[string][]string
}

func newConsole(client *remote.Client, out io.Writer) *console {
	c := &console{
		client:  client,
		out:     out,
		sources: make(map[string][]string),
	}
	client.OnBreakHit(c.onBreakHit)
	client.OnState(c.onState)
	client.OnOutput(c.onOutput)
	return c
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) onBreakHit(hit debug.BreakHit) {
	c.mu.Lock()
	c.last = hit
	c.stopped = true
	c.mu.Unlock()

	c.printf("stopped at %s:%d (%s)\n", hit.Key, hit.Line, hit.Reason)
	if len(hit.Frames) > 0 {
		c.printf("  in %s\n", hit.Frames[0].Name)
	}
}

func (c *console) onState(st debug.State) {
	if st == debug.StateBreak {
		return
	}
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	if st == debug.StateQuit {
		c.printf("session ended\n")
	}
}

func (c *console) onOutput(out debug.Output) {
	if out.Kind == debug.OutputError {
		c.printf("error: %s\n", out.Text)
		return
	}
	c.printf("%s\n", out.Text)
}

// command is one console command.
type command struct {
	names []string
	usage string
	help  string
	run   func(c *console, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{names: []string{"s", "step"}, usage: "s", help: "step into the next line", run: (*console).stepInto},
		{names: []string{"n", "next"}, usage: "n", help: "step over calls", run: (*console).stepOver},
		{names: []string{"r", "return"}, usage: "r", help: "run until the current function returns", run: (*console).stepReturn},
		{names: []string{"c", "continue"}, usage: "c", help: "continue to the next breakpoint", run: (*console).cont},
		{names: []string{"pause"}, usage: "pause", help: "stop at the next line", run: (*console).pause},
		{names: []string{"b", "break"}, usage: "b file:line", help: "set a breakpoint", run: (*console).setBreakpoint},
		{names: []string{"t", "toggle"}, usage: "t file:line", help: "toggle a breakpoint", run: (*console).toggleBreakpoint},
		{names: []string{"bl", "breakpoints"}, usage: "bl", help: "list breakpoints", run: (*console).listBreakpoints},
		{names: []string{"bt", "backtrace"}, usage: "bt", help: "show the call stack across coroutines", run: (*console).backtrace},
		{names: []string{"locals"}, usage: "locals [level]", help: "show local variables", run: (*console).locals},
		{names: []string{"up", "upvalues"}, usage: "up [level]", help: "show upvalues", run: (*console).upvalues},
		{names: []string{"env"}, usage: "env [level]", help: "show the function environment", run: (*console).environ},
		{names: []string{"g", "globals"}, usage: "g", help: "show global variables", run: (*console).globals},
		{names: []string{"x", "expand"}, usage: "x handle", help: "expand a table or userdata", run: (*console).expand},
		{names: []string{"p", "print"}, usage: "p expr", help: "evaluate an expression in the current frame", run: (*console).evaluate},
		{names: []string{"l", "list"}, usage: "l [file]", help: "list source around the current line", run: (*console).list},
		{names: []string{"q", "quit"}, usage: "q", help: "detach and let the script finish", run: (*console).quit},
		{names: []string{"kill"}, usage: "kill", help: "abort the script", run: (*console).kill},
		{names: []string{"h", "help"}, usage: "h", help: "show this help", run: (*console).help},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		for _, n := range cmd.names {
			if n == name {
				return cmd, true
			}
		}
	}
	return command{}, false
}

// splitCommand returns the command name and its arguments. The argument of
// print is kept whole so expressions may contain spaces.
func splitCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return name, nil
	}
	if name == "p" || name == "print" {
		return name, []string{rest}
	}
	return name, strings.Fields(rest)
}

// execute runs one command line. It returns errQuit when the loop should
// end.
func (c *console) execute(ctx context.Context, line string) error {
	name, args := splitCommand(line)
	if name == "" {
		return nil
	}
	cmd, ok := lookupCommand(name)
	if !ok {
		return fmt.Errorf("unknown command %q (h for help)", name)
	}
	return cmd.run(c, ctx, args)
}

// parseLocation parses "file:line". The file may itself contain colons.
func parseLocation(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("expected file:line, got %q", s)
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("invalid line in %q", s)
	}
	return s[:i], line, nil
}

// parseLevel parses an optional frame level argument.
func parseLevel(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	level, err := strconv.Atoi(args[0])
	if err != nil || level < 0 {
		return 0, fmt.Errorf("invalid level %q", args[0])
	}
	return level, nil
}

func (c *console) stepInto(ctx context.Context, _ []string) error {
	return c.client.StepInto(ctx)
}

func (c *console) stepOver(ctx context.Context, _ []string) error {
	return c.client.StepOver(ctx)
}

func (c *console) stepReturn(ctx context.Context, _ []string) error {
	return c.client.StepReturn(ctx)
}

func (c *console) cont(ctx context.Context, _ []string) error {
	return c.client.Continue(ctx)
}

func (c *console) pause(ctx context.Context, _ []string) error {
	return c.client.Break(ctx)
}

func (c *console) setBreakpoint(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: b file:line")
	}
	key, line, err := parseLocation(args[0])
	if err != nil {
		return err
	}
	bp, err := c.client.SetBreakpoint(ctx, key, line, true)
	if err != nil {
		return err
	}
	c.printf("breakpoint at %s\n", bp)
	return nil
}

func (c *console) toggleBreakpoint(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: t file:line")
	}
	key, line, err := parseLocation(args[0])
	if err != nil {
		return err
	}
	bp, err := c.client.ToggleBreakpoint(ctx, key, line)
	if err != nil {
		return err
	}
	state := "enabled"
	if !bp.Enabled {
		state = "disabled"
	}
	c.printf("breakpoint at %s %s\n", bp, state)
	return nil
}

func (c *console) listBreakpoints(ctx context.Context, _ []string) error {
	list, err := c.client.Breakpoints(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printf("no breakpoints\n")
	}
	for _, bp := range list {
		if bp.Enabled {
			c.printf("  %s\n", bp)
		} else {
			c.printf("  %s (disabled)\n", bp)
		}
	}
	return nil
}

func (c *console) backtrace(ctx context.Context, _ []string) error {
	frames, err := c.client.Backtrace(ctx)
	if err != nil {
		return err
	}
	for _, f := range frames {
		c.printf("  %s\n", f)
	}
	return nil
}

func (c *console) locals(ctx context.Context, args []string) error {
	level, err := parseLevel(args)
	if err != nil {
		return err
	}
	vars, err := c.client.Locals(ctx, level)
	return c.printVariables(vars, err)
}

func (c *console) upvalues(ctx context.Context, args []string) error {
	level, err := parseLevel(args)
	if err != nil {
		return err
	}
	vars, err := c.client.Upvalues(ctx, level)
	return c.printVariables(vars, err)
}

func (c *console) environ(ctx context.Context, args []string) error {
	level, err := parseLevel(args)
	if err != nil {
		return err
	}
	vars, err := c.client.Environ(ctx, level)
	return c.printVariables(vars, err)
}

func (c *console) globals(ctx context.Context, _ []string) error {
	vars, err := c.client.Globals(ctx)
	return c.printVariables(vars, err)
}

func (c *console) expand(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: x handle")
	}
	handle, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
	if err != nil {
		return fmt.Errorf("invalid handle %q", args[0])
	}
	vars, err := c.client.Fields(ctx, handle)
	return c.printVariables(vars, err)
}

func (c *console) evaluate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: p expr")
	}
	res, err := c.client.Evaluate(ctx, args[0], 0)
	if err != nil {
		return err
	}
	c.printf("%s\n", res.Result)
	for _, v := range res.Values {
		if v.HasChildren {
			c.printf("  %s  [#%d]\n", v, v.Handle)
		}
	}
	return nil
}

func (c *console) printVariables(vars []inspect.Variable, err error) error {
	if err != nil {
		return err
	}
	if len(vars) == 0 {
		c.printf("  (none)\n")
	}
	for _, v := range vars {
		c.printf("  %s\n", formatVariable(v))
	}
	return nil
}

// formatVariable renders v with its expansion handle when it has one.
func formatVariable(v inspect.Variable) string {
	if v.HasChildren {
		return fmt.Sprintf("%s  [#%d]", v, v.Handle)
	}
	return v.String()
}

func (c *console) list(ctx context.Context, args []string) error {
	c.mu.Lock()
	key, line := c.last.Key, c.last.Line
	c.mu.Unlock()

	if len(args) > 0 {
		key, line = args[0], 0
	}
	if key == "" {
		return errors.New("no current location; use l file")
	}

	lines, err := c.source(ctx, key)
	if err != nil {
		return err
	}
	for _, l := range sourceWindow(lines, line, listContext) {
		c.printf("%s\n", l)
	}
	return nil
}

// source returns the lines of key, asking the engine on first use.
func (c *console) source(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	lines, ok := c.sources[key]
	c.mu.Unlock()
	if ok {
		return lines, nil
	}
	lines, err := c.client.Source(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sources[key] = lines
	c.mu.Unlock()
	return lines, nil
}

// sourceWindow formats the lines around current, marking it with an arrow.
// A current line of 0 shows the top of the file.
func sourceWindow(lines []string, current, around int) []string {
	first, last := 1, len(lines)
	if current > 0 {
		first = max(1, current-around)
		last = min(len(lines), current+around)
	} else {
		last = min(len(lines), 2*around+1)
	}
	if last < first {
		return nil
	}

	out := make([]string, 0, last-first+1)
	for n := first; n <= last; n++ {
		marker := "  "
		if n == current {
			marker = "=>"
		}
		out = append(out, fmt.Sprintf("%s %4d  %s", marker, n, lines[n-1]))
	}
	return out
}

func (c *console) quit(ctx context.Context, _ []string) error {
	if err := c.client.Quit(ctx, false); err != nil && !errors.Is(err, remote.ErrClientClosed) {
		return err
	}
	return errQuit
}

func (c *console) kill(ctx context.Context, _ []string) error {
	if err := c.client.Quit(ctx, true); err != nil && !errors.Is(err, remote.ErrClientClosed) {
		return err
	}
	return errQuit
}

func (c *console) help(context.Context, []string) error {
	sorted := make([]command, len(commands))
	copy(sorted, commands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].usage < sorted[j].usage })
	for _, cmd := range sorted {
		c.printf("  %-16s %s\n", cmd.usage, cmd.help)
	}
	return nil
}
