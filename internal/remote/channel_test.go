package remote

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lldebug/internal/config"
	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/debug/inspect"
	"github.com/dshills/lldebug/internal/logging"
)

const waitTimeout = 5 * time.Second

// harness is a session whose channel is connected to a Client over loopback.
type harness struct {
	session *debug.Session
	client  *Client
	hits    chan debug.BreakHit
	states  chan debug.State
	outputs chan debug.Output
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)

	accepted := make(chan *Client, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	s, err := debug.Open(config.Default().Debug,
		debug.WithLogger(logging.NullLogger),
		debug.WithOutputHandler(func(debug.Output) {}),
		debug.WithChannelFactory(Factory(ctx, ln.Addr().String(), WithLogger(logging.NullLogger))),
	)
	require.NoError(t, err)

	client, ok := <-accepted
	require.True(t, ok, "front-end did not accept the engine")

	h := &harness{
		session: s,
		client:  client,
		hits:    make(chan debug.BreakHit, 16),
		states:  make(chan debug.State, 64),
		outputs: make(chan debug.Output, 16),
	}
	client.OnBreakHit(func(hit debug.BreakHit) { h.hits <- hit })
	client.OnState(func(st debug.State) { h.states <- st })
	client.OnOutput(func(out debug.Output) { h.outputs <- out })

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return h
}

// run executes code on its own goroutine, as an embedding host would.
func (h *harness) run(key, code string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.session.LoadString(key, code)
	}()
	return done
}

func (h *harness) nextHit(t *testing.T) debug.BreakHit {
	t.Helper()
	select {
	case hit := <-h.hits:
		return hit
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for breakHit")
		return debug.BreakHit{}
	}
}

func (h *harness) waitState(t *testing.T, want debug.State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-h.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("script did not finish")
		return nil
	}
}

func findVariable(vars []inspect.Variable, name string) (inspect.Variable, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return inspect.Variable{}, false
}

const addScript = `local function add(a, b)
  local sum = a + b
  return sum
end
local x = 10
local y = add(x, 5)
print(y)
`

func TestChannel_BreakInspectStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bp, err := h.client.SetBreakpoint(ctx, "main.lua", 6, true)
	require.NoError(t, err)
	assert.Equal(t, debug.Breakpoint{Key: "main.lua", Line: 6, Enabled: true}, bp)

	done := h.run("main.lua", addScript)

	hit := h.nextHit(t)
	assert.Equal(t, "main.lua", hit.Key)
	assert.Equal(t, 6, hit.Line)
	assert.Equal(t, debug.ReasonBreakpoint, hit.Reason)
	require.NotEmpty(t, hit.Frames)

	locals, err := h.client.Locals(ctx, 0)
	require.NoError(t, err)
	x, ok := findVariable(locals, "x")
	require.True(t, ok, "x not in %v", locals)
	assert.Equal(t, "10", x.Value)

	res, err := h.client.Evaluate(ctx, "x * 2", 0)
	require.NoError(t, err)
	assert.Equal(t, "20", res.Result)

	lines, err := h.client.Source(ctx, "main.lua")
	require.NoError(t, err)
	assert.Len(t, lines, 7)

	require.NoError(t, h.client.StepOver(ctx))
	hit = h.nextHit(t)
	assert.Equal(t, 7, hit.Line)
	assert.Equal(t, debug.ReasonStep, hit.Reason)

	require.NoError(t, h.client.Continue(ctx))
	require.NoError(t, waitDone(t, done))

	select {
	case out := <-h.outputs:
		assert.Equal(t, debug.OutputLog, out.Kind)
		assert.Equal(t, "15", out.Text)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for output")
	}
}

func TestChannel_CommandRejectedWhenRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.client.StepOver(ctx)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "stepOver", cerr.Command)
	assert.Contains(t, cerr.Message, "not allowed")

	_, err = h.client.Locals(ctx, 0)
	assert.ErrorAs(t, err, &cerr)

	_, err = h.client.Source(ctx, "missing.lua")
	assert.ErrorAs(t, err, &cerr)

	// The connection survives command failures.
	list, err := h.client.Breakpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestChannel_BreakAndTerminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.run("loop.lua", "local n = 0\nwhile true do\n  n = n + 1\nend\n")
	h.waitState(t, debug.StateNormal)

	require.NoError(t, h.client.Break(ctx))
	hit := h.nextHit(t)
	assert.Equal(t, debug.ReasonPause, hit.Reason)
	assert.Equal(t, "loop.lua", hit.Key)

	require.NoError(t, h.client.Quit(ctx, true))
	err := waitDone(t, done)
	assert.ErrorIs(t, err, debug.ErrQuit)
	assert.Equal(t, debug.StateQuit, h.session.State())
}

func TestChannel_ConnectionLossQuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.SetBreakpoint(ctx, "lost.lua", 1, true)
	require.NoError(t, err)
	_, err = h.client.SetBreakpoint(ctx, "lost.lua", 2, true)
	require.NoError(t, err)

	done := h.run("lost.lua", "local a = 1\nlocal b = 2\nprint(a + b)\n")
	h.nextHit(t)
	require.NoError(t, h.client.Close())

	// The stopped script is released and runs to completion without
	// stopping at the second breakpoint.
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, debug.StateQuit, h.session.State())

	_, err = h.client.Breakpoints(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestChannel_ProtocolErrorQuits(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s, err := debug.Open(config.Default().Debug,
		debug.WithLogger(logging.NullLogger),
		debug.WithChannelFactory(Factory(ctx, ln.Addr().String(), WithLogger(logging.NullLogger))),
	)
	require.NoError(t, err)
	defer s.Close()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("engine did not connect")
	}
	defer conn.Close()

	_, err = io.WriteString(conn, "LLDebug-Version: 9\r\nContent-Length: 2\r\n\r\n{}")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.State() == debug.StateQuit
	}, waitTimeout, 10*time.Millisecond)
}

func TestChannel_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = debug.Open(config.Default().Debug,
		debug.WithLogger(logging.NullLogger),
		debug.WithChannelFactory(Factory(context.Background(), addr)),
	)
	assert.Error(t, err)
}
