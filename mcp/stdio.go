package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
)

// StdioTransport frames JSON-RPC envelopes as newline-delimited JSON over
// a pair of byte streams (spec §4.8, §6 "stdio wire"): no sessions, no
// SSE, no resumability. It exists purely to be pluggable under the
// Protocol engine as an alternate Connection, typically stdin/stdout of a
// subprocess.
type StdioTransport struct {
	Reader io.Reader
	Writer io.Writer
}

// NewStdioTransport returns a transport framing r as inbound messages and
// w as outbound ones, one JSON value per line.
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{Reader: r, Writer: w}
}

// Connect returns the single Connection this transport ever produces;
// stdio has no notion of multiple sessions.
func (t *StdioTransport) Connect(context.Context) (Connection, error) {
	sc := bufio.NewScanner(t.Reader)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &stdioConn{sc: sc, w: t.Writer}, nil
}

// stdioConn implements Connection by reading and writing one JSON value
// per newline-terminated line.
type stdioConn struct {
	sc *bufio.Scanner

	mu sync.Mutex // serializes Write, per spec §5
	w  io.Writer
}

// Read blocks for the next line and returns it as a raw JSON-RPC message.
// At end of stream it returns io.EOF, matching Connection's contract.
func (c *stdioConn) Read(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if c.sc.Scan() {
			line := append([]byte(nil), bytes.TrimSpace(c.sc.Bytes())...)
			done <- result{line: line}
			return
		}
		err := c.sc.Err()
		if err == nil {
			err = io.EOF
		}
		done <- result{err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.line) == 0 {
			return c.Read(ctx)
		}
		return json.RawMessage(r.line), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write serializes msg onto a single line terminated with "\n".
func (c *stdioConn) Write(ctx context.Context, msg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := c.w.Write(msg); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	if _, err := c.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	return nil
}

// Close is a no-op: stdio owns neither stdin nor stdout's lifetime, only
// their framing.
func (c *stdioConn) Close() error { return nil }
