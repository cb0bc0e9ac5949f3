// Package wire implements the lldebug front-end protocol.
//
// Every message is a JSON object preceded by a header block:
//
//	LLDebug-Version: 1\r\n
//	Content-Length: 123\r\n
//	\r\n
//	{"version":1,"seq":1,"type":"request","command":"stepOver"}
//
// Requests are answered by a response carrying the request's seq in
// request_seq. Events are unsolicited.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Version is the protocol version carried in every header and envelope.
const Version = 1

// MaxContentLength is the maximum allowed content length (10MB).
const MaxContentLength = 10 * 1024 * 1024

// Header names.
const (
	headerVersion       = "lldebug-version"
	headerContentLength = "content-length"
)

// ProtocolError reports a malformed or unexpected message. It is fatal to
// the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Frame is a received message whose envelope was validated. Content is the
// raw JSON for decoding into Request, Response or Event.
type Frame struct {
	Seq     int
	Type    string
	Name    string // command for requests and responses, event name for events
	Content []byte
}

// Decode unmarshals the frame content into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Content, v); err != nil {
		return &ProtocolError{Reason: "decoding " + f.Type, Err: err}
	}
	return nil
}

// Conn is a framed message connection. Send may be called from several
// goroutines; Receive must be called from one.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // guards seq and writes
	seq    int
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send marshals msg, stamps the protocol version and the next sequence
// number into it and writes it as one frame. It returns the sequence
// number. Frames go out in sequence order.
func (c *Conn) Send(msg any) (int, error) {
	return c.SendFunc(msg, nil)
}

// SendFunc is Send with a callback that is given the sequence number
// before the frame is written, so a reply cannot arrive before the caller
// knows it. An error from before cancels the send without using the
// number.
func (c *Conn) SendFunc(msg any, before func(seq int) error) (int, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	content, err = sjson.SetBytes(content, "version", Version)
	if err != nil {
		return 0, fmt.Errorf("stamp version: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	content, err = sjson.SetBytes(content, "seq", seq)
	if err != nil {
		return 0, fmt.Errorf("stamp seq: %w", err)
	}
	if before != nil {
		if err := before(seq); err != nil {
			return 0, err
		}
	}
	c.seq = seq
	return seq, writeFrame(c.rwc, content)
}

// Receive reads the next frame. Transport failures are returned as is
// (io.EOF when the peer closed); malformed input yields a *ProtocolError.
func (c *Conn) Receive() (*Frame, error) {
	content, err := readFrame(c.reader)
	if err != nil {
		return nil, err
	}
	return parseFrame(content)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func writeFrame(w io.Writer, content []byte) error {
	headers := fmt.Sprintf("LLDebug-Version: %d\r\nContent-Length: %d\r\n\r\n", Version, len(content))
	if _, err := io.WriteString(w, headers); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	version := 0

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, protocolErrorf("invalid header %q", line)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case headerVersion:
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, &ProtocolError{Reason: "invalid version header", Err: err}
			}
			version = v
		case headerContentLength:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, &ProtocolError{Reason: "invalid content-length", Err: err}
			}
			if n < 0 || n > MaxContentLength {
				return nil, protocolErrorf("content-length %d exceeds maximum allowed %d", n, MaxContentLength)
			}
			contentLength = n
		}
	}

	if version != Version {
		return nil, protocolErrorf("unsupported protocol version %d", version)
	}
	if contentLength <= 0 {
		return nil, protocolErrorf("missing Content-Length header")
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

// parseFrame validates the envelope without decoding the whole message.
func parseFrame(content []byte) (*Frame, error) {
	if !gjson.ValidBytes(content) {
		return nil, protocolErrorf("content is not valid JSON")
	}

	env := gjson.GetManyBytes(content, "version", "seq", "type", "command", "event")
	if v := env[0].Int(); v != Version {
		return nil, protocolErrorf("unsupported message version %d", v)
	}

	f := &Frame{
		Seq:     int(env[1].Int()),
		Type:    env[2].String(),
		Content: content,
	}
	switch f.Type {
	case TypeRequest, TypeResponse:
		f.Name = env[3].String()
	case TypeEvent:
		f.Name = env[4].String()
	default:
		return nil, protocolErrorf("unknown message type %q", f.Type)
	}
	if f.Name == "" {
		return nil, protocolErrorf("%s without a name", f.Type)
	}
	return f, nil
}
