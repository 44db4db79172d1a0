package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcprt/corerpc/internal/json"
)

// Connection is a single bidirectional message channel (spec §4.2, C2): it
// can read inbound JSON-RPC envelopes, write outbound ones, and be closed.
// Its method set is deliberately identical to [jsonrpc2.Stream], so any
// Connection can back a [jsonrpc2.Conn] directly.
type Connection interface {
	// Read blocks until a message arrives, ctx is done, or the connection
	// closes (in which case it returns io.EOF).
	Read(ctx context.Context) (json.RawMessage, error)
	// Write sends msg. Concurrent calls to Write must be serialized by
	// the implementation (spec §5 "writes to a single transport's
	// outbound byte stream are serialized").
	Write(ctx context.Context, msg json.RawMessage) error
	// Close releases the connection's resources.
	Close() error
}

// sessionIDer is implemented by Connections that expose a session id
// negotiated during Connect, such as the streamable-HTTP transport.
type sessionIDer interface {
	SessionID() string
}

// relatedRequestWriter is implemented by Connections that can route an
// outbound message to the stream associated with a particular inbound
// request id (spec §4.2's relatedRequestId hint). No transport in this
// package implements it: the streamable-HTTP transport instead finds the
// related request through the idContextKey value on the write's context.
type relatedRequestWriter interface {
	WriteRelated(ctx context.Context, id string, msg json.RawMessage) error
}

// Transport is a pluggable factory for Connections (spec §4.2, C2): stdio,
// streamable-HTTP, and WebSocket are all Transports, and a caller can
// supply its own for e.g. in-memory testing.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// NewInMemoryTransports returns a connected pair of Transports wired
// directly to each other with no framing, for use in tests that want a
// Client and Server talking without going through an actual byte stream.
func NewInMemoryTransports() (client, server Transport) {
	ab := make(chan json.RawMessage, 16)
	ba := make(chan json.RawMessage, 16)
	return &inMemoryTransport{in: ba, out: ab}, &inMemoryTransport{in: ab, out: ba}
}

// inMemoryTransport is both a Transport and the Connection it produces:
// Connect just returns itself, since the channel pair is already live.
// Closing one side closes its outbound channel, which the peer observes
// as io.EOF from Read.
type inMemoryTransport struct {
	in  chan json.RawMessage
	out chan json.RawMessage

	mu        sync.Mutex
	closeOnce sync.Once
}

func (t *inMemoryTransport) Connect(context.Context) (Connection, error) { return t, nil }

func (t *inMemoryTransport) Read(ctx context.Context) (json.RawMessage, error) {
	select {
	case m, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *inMemoryTransport) Write(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case t.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *inMemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		close(t.out)
	})
	return nil
}

// An event is a single Server-Sent Event frame (spec §6 "SSE event
// framing").
type event struct {
	id    string        // "id:" field; omitted from the wire if empty
	name  string        // "event:" field; omitted from the wire if empty
	data  json.RawMessage
	retry time.Duration // "retry:" field; omitted from the wire if zero
}

// writeEvent serializes e onto w in SSE framing and flushes it, per spec
// §6: "id: <eventId>\n", "event: message\n", "data: <json>\n\n". A
// priming event (data == nil) sends only an id/retry preamble.
func writeEvent(w http.ResponseWriter, e event) (int, error) {
	var buf bytes.Buffer
	if e.id != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.id)
	}
	if e.name != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.name)
	}
	if e.retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", e.retry.Milliseconds())
	}
	if e.data != nil {
		fmt.Fprintf(&buf, "data: %s\n\n", e.data)
	} else {
		buf.WriteString("\n")
	}
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// scanEvents parses the SSE framing read from r into a sequence of events,
// terminating the sequence (yielding a final (zero, io.EOF) pair) when r
// is exhausted. Unrecognized field names are ignored, matching the
// liberal parsing the SSE spec itself prescribes.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		var cur event
		var dataBuf bytes.Buffer
		haveData := false
		flush := func() bool {
			if haveData {
				cur.data = append(json.RawMessage(nil), bytes.TrimSuffix(dataBuf.Bytes(), []byte("\n"))...)
			}
			ev := cur
			cur = event{}
			dataBuf.Reset()
			haveData = false
			return yield(ev, nil)
		}
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				cur.id = value
			case "event":
				cur.name = value
			case "data":
				dataBuf.WriteString(value)
				dataBuf.WriteString("\n")
				haveData = true
			case "retry":
				if ms, err := strconv.Atoi(value); err == nil {
					cur.retry = time.Duration(ms) * time.Millisecond
				}
			}
		}
		if err := sc.Err(); err != nil {
			yield(event{}, err)
			return
		}
		yield(event{}, io.EOF)
	}
}
