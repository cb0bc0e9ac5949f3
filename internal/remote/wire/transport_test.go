package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lldebug/internal/debug"
)

// bufferConn is an in-memory ReadWriteCloser.
type bufferConn struct {
	bytes.Buffer
	closed bool
}

func newBufferConn(s string) *bufferConn {
	b := &bufferConn{}
	b.WriteString(s)
	return b
}

func (b *bufferConn) Close() error {
	b.closed = true
	return nil
}

func TestSendStampsEnvelope(t *testing.T) {
	buf := &bufferConn{}
	c := NewConn(buf)

	req, err := NewRequest(CommandEvaluate, EvaluateArguments{Expression: "x + 1", Level: 2})
	require.NoError(t, err)

	seq1, err := c.Send(req)
	require.NoError(t, err)
	seq2, err := c.Send(req)
	require.NoError(t, err)
	assert.Equal(t, 1, seq1)
	assert.Equal(t, 2, seq2)

	assert.True(t, strings.HasPrefix(buf.String(), "LLDebug-Version: 1\r\nContent-Length: "))

	f, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, 1, f.Seq)
	assert.Equal(t, TypeRequest, f.Type)
	assert.Equal(t, CommandEvaluate, f.Name)

	var got Request
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, 1, got.Seq)

	var args EvaluateArguments
	require.NoError(t, json.Unmarshal(got.Arguments, &args))
	assert.Equal(t, EvaluateArguments{Expression: "x + 1", Level: 2}, args)

	f, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, 2, f.Seq)

	_, err = c.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestResponseAndEvent(t *testing.T) {
	buf := &bufferConn{}
	c := NewConn(buf)

	req := &Request{ProtocolMessage: ProtocolMessage{Seq: 7, Type: TypeRequest}, Command: CommandStepOver}
	fail, err := NewResponse(req, nil, errors.New("stepOver: not allowed while normal"))
	require.NoError(t, err)
	_, err = c.Send(fail)
	require.NoError(t, err)

	ev, err := NewEvent(EventBreakHit, BreakHitBody{Key: "a.lua", Line: 3, Reason: debug.ReasonStep})
	require.NoError(t, err)
	_, err = c.Send(ev)
	require.NoError(t, err)

	f, err := c.Receive()
	require.NoError(t, err)
	var resp Response
	require.NoError(t, f.Decode(&resp))
	assert.Equal(t, CommandStepOver, f.Name)
	assert.Equal(t, 7, resp.RequestSeq)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "not allowed")

	f, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, f.Type)
	assert.Equal(t, EventBreakHit, f.Name)
	var got Event
	require.NoError(t, f.Decode(&got))
	var body BreakHitBody
	require.NoError(t, json.Unmarshal(got.Body, &body))
	assert.Equal(t, "a.lua", body.Key)
	assert.Equal(t, 3, body.Line)
}

func TestReceiveProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing version", "Content-Length: 2\r\n\r\n{}"},
		{"wrong version header", "LLDebug-Version: 2\r\nContent-Length: 2\r\n\r\n{}"},
		{"missing length", "LLDebug-Version: 1\r\n\r\n{}"},
		{"oversized", "LLDebug-Version: 1\r\nContent-Length: 99999999\r\n\r\n"},
		{"bad header", "LLDebug-Version 1\r\n\r\n"},
		{"invalid json", "LLDebug-Version: 1\r\nContent-Length: 3\r\n\r\n{x}"},
		{"wrong envelope version", frameText(`{"version":3,"seq":1,"type":"request","command":"quit"}`)},
		{"unknown type", frameText(`{"version":1,"seq":1,"type":"ping","command":"quit"}`)},
		{"request without command", frameText(`{"version":1,"seq":1,"type":"request"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(newBufferConn(tt.input))
			_, err := c.Receive()
			var perr *ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestReceiveTruncated(t *testing.T) {
	c := NewConn(newBufferConn("LLDebug-Version: 1\r\nContent-Length: 10\r\n\r\n{}"))
	_, err := c.Receive()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var perr *ProtocolError
	assert.False(t, errors.As(err, &perr), "truncation is a transport failure")
}

func TestConcurrentSendOverPipe(t *testing.T) {
	a, b := net.Pipe()
	sender, receiver := NewConn(a), NewConn(b)
	defer sender.Close()
	defer receiver.Close()

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			go func() {
				ev, _ := NewEvent(EventLogOutput, OutputBody{Text: "hello"})
				sender.Send(ev)
			}()
		}
	}()

	// Sequence numbers arrive in the order they were written.
	for i := 1; i <= n; i++ {
		f, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, i, f.Seq)
	}
}

func TestSendFuncSeesSeqBeforeWrite(t *testing.T) {
	buf := &bufferConn{}
	c := NewConn(buf)

	ev, err := NewEvent(EventLogOutput, OutputBody{Text: "hello"})
	require.NoError(t, err)

	cancelled := errors.New("cancelled")
	_, err = c.SendFunc(ev, func(seq int) error {
		assert.Equal(t, 1, seq)
		return cancelled
	})
	assert.ErrorIs(t, err, cancelled)
	assert.Empty(t, buf.String(), "a cancelled send writes nothing")

	var seen int
	seq, err := c.SendFunc(ev, func(seq int) error {
		seen = seq
		assert.Empty(t, buf.String(), "callback runs before the write")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
	assert.Equal(t, 1, seen)

	f, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, 1, f.Seq)
}

func frameText(content string) string {
	return "LLDebug-Version: 1\r\nContent-Length: " + strconv.Itoa(len(content)) + "\r\n\r\n" + content
}
