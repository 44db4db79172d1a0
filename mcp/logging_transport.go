package mcp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
)

// loggingTransport wraps a Transport, logging every message read from or
// written to the underlying Connection to an io.Writer (spec §3 ambient
// stack: wire-level tracing, typically to stderr alongside the stdio
// transport). It is grounded on the teacher's logging-middleware example,
// which assumes a NewLoggingTransport exists to pair with
// AddReceivingMiddleware's protocol-level logging.
type loggingTransport struct {
	delegate Transport
	w        io.Writer
}

// NewLoggingTransport returns a Transport that logs all messages exchanged
// over delegate's Connections to w, one line per message, prefixed with
// the direction. It does not alter framing or timing; it is purely an
// observability wrapper.
func NewLoggingTransport(delegate Transport, w io.Writer) Transport {
	return &loggingTransport{delegate: delegate, w: w}
}

func (t *loggingTransport) Connect(ctx context.Context) (Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConn{Connection: conn, w: t.w}, nil
}

// loggingConn wraps a Connection, logging reads and writes.
type loggingConn struct {
	Connection
	mu sync.Mutex
	w  io.Writer
}

// SessionID forwards to the delegate when it exposes one (spec §4.2
// "transports may expose an optional sessionId"); wrapping would otherwise
// hide it, since Connection itself does not declare the method.
func (c *loggingConn) SessionID() string {
	if sid, ok := c.Connection.(sessionIDer); ok {
		return sid.SessionID()
	}
	return ""
}

func (c *loggingConn) Read(ctx context.Context) (json.RawMessage, error) {
	msg, err := c.Connection.Read(ctx)
	if err != nil {
		return msg, err
	}
	c.logLine("<-", msg)
	return msg, nil
}

func (c *loggingConn) Write(ctx context.Context, msg json.RawMessage) error {
	c.logLine("->", msg)
	return c.Connection.Write(ctx, msg)
}

func (c *loggingConn) logLine(dir string, msg json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s\n", dir, msg)
}
