package jsonrpc2

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mcprt/corerpc/internal/json"
)

// Stream is the minimal framing abstraction a Conn needs: something that
// can read and write whole JSON-RPC messages. The higher-level transport
// types (stdio, streamable-HTTP, WebSocket) each implement Stream by
// wrapping their own framing (newline-delimited, SSE event, WS message).
type Stream interface {
	Read(ctx context.Context) (json.RawMessage, error)
	Write(ctx context.Context, msg json.RawMessage) error
	Close() error
}

// Handler processes an inbound Request. A *Request carries no way to
// reply; a [Conn] instead dispatches to the func passed to [NewConn],
// which receives an [*IncomingRequest] and answers a call through its
// Reply method (a notification, whose ID.IsValid() is false, gets no
// reply).
type Handler interface {
	Handle(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *Request) error { return f(ctx, req) }

// IncomingRequest is an inbound call or notification handed to a Handler,
// bound to the Conn it arrived on so the handler can reply without
// threading the Conn through every call site.
type IncomingRequest struct {
	*Request
	conn     *Conn
	repliedM sync.Mutex
	replied  bool
}

// Reply sends result (or callErr, which takes precedence) back to the
// caller. It is an error to call Reply on a notification, or more than
// once for the same request.
func (r *IncomingRequest) Reply(ctx context.Context, result any, callErr error) error {
	r.repliedM.Lock()
	defer r.repliedM.Unlock()
	if !r.ID.IsValid() {
		return fmt.Errorf("jsonrpc2: cannot reply to a notification")
	}
	if r.replied {
		return fmt.Errorf("jsonrpc2: Reply called more than once for id %s", r.ID)
	}
	r.replied = true
	return r.conn.reply(ctx, r.Request, result, callErr)
}

// Conn is a bidirectional JSON-RPC connection: either end may Call or
// Notify the other, and either end may receive inbound requests. There is
// no designated client or server role at this layer; the mcp package
// layers that distinction on top by choosing which methods it dispatches
// in which direction and which capabilities gate them.
type Conn struct {
	stream  Stream
	handler func(ctx context.Context, req *IncomingRequest)

	seq int64 // atomic; next outgoing call id

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	handlingMu sync.Mutex
	handling   map[string]context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn creates a Conn around stream, dispatching inbound requests and
// notifications to handler. Call Run to start servicing inbound messages.
func NewConn(stream Stream, handler func(ctx context.Context, req *IncomingRequest)) *Conn {
	return &Conn{
		stream:   stream,
		handler:  handler,
		pending:  make(map[string]chan *Response),
		handling: make(map[string]context.CancelFunc),
		closed:   make(chan struct{}),
	}
}

// Close shuts down the underlying stream and unblocks Run.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		close(c.closed)
	})
	return err
}

func (c *Conn) nextID() ID {
	return Int64ID(atomic.AddInt64(&c.seq, 1))
}

// Notify sends method/params as a notification; no reply is possible.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("jsonrpc2: marshal notify params: %w", err)
	}
	data, err := Encode(&Notification{Method: method, Params: raw})
	if err != nil {
		return err
	}
	return c.stream.Write(ctx, data)
}

// AllocateID reserves the next outgoing call id without sending anything.
// It lets a caller learn the id a subsequent CallWithID will use, so it
// can be threaded through a progress token or watched for in an inbound
// cancellation notification before the call is actually issued.
func (c *Conn) AllocateID() ID {
	return c.nextID()
}

// Call sends method/params as a request and blocks until a response
// arrives, ctx is cancelled, or the connection closes. result, if
// non-nil, receives the decoded result payload on success.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	return c.CallWithID(ctx, c.nextID(), method, params, result)
}

// CallWithID behaves like Call, but uses a previously allocated id (see
// AllocateID) instead of generating a new one.
func (c *Conn) CallWithID(ctx context.Context, id ID, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("jsonrpc2: marshal call params: %w", err)
	}
	data, err := Encode(&Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	rchan := make(chan *Response, 1)
	key := id.String()
	c.pendingMu.Lock()
	c.pending[key] = rchan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.stream.Write(ctx, data); err != nil {
		return err
	}

	select {
	case resp := <-rchan:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || resp.Result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-ctx.Done():
		// JSON-RPC has no wire-level cancel; the mcp layer rides a
		// notifications/cancelled notification over Notify to tell the
		// peer to stop, but the local Call still returns as soon as ctx
		// is done rather than blocking for that round trip.
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	}
}

// CancelHandling cancels the context passed to the handler for an
// in-flight inbound request with the given id, if one is still being
// serviced. This is how a received cancellation notification becomes an
// actual context cancellation for the running handler goroutine.
func (c *Conn) CancelHandling(id ID) {
	c.handlingMu.Lock()
	cancel, ok := c.handling[id.String()]
	c.handlingMu.Unlock()
	if ok {
		cancel()
	}
}

// Run reads and dispatches messages from the stream until it errors or ctx
// is done. Inbound requests are dispatched on their own goroutine so a
// slow handler cannot stall unrelated traffic; inbound responses are
// routed to whichever Call is waiting on that id.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()
	for {
		data, err := c.stream.Read(ctx)
		if err != nil {
			return err
		}
		msg, classifyErr := Classify(data)
		if classifyErr != nil {
			// A malformed message on an otherwise-healthy stream is not
			// fatal to the connection: per the JSON-RPC spec, a Parse
			// Error response is owed only when an id was recoverable,
			// and we have none here, so we drop it and keep reading.
			continue
		}
		switch m := msg.(type) {
		case *Request:
			c.dispatchRequest(ctx, m)
		case *Notification:
			c.dispatchNotification(ctx, m)
		case *Response:
			c.routeResponse(m)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Conn) dispatchRequest(ctx context.Context, m *Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := m.ID.String()
	c.handlingMu.Lock()
	c.handling[key] = cancel
	c.handlingMu.Unlock()

	ir := &IncomingRequest{Request: m, conn: c}
	go func() {
		defer func() {
			c.handlingMu.Lock()
			delete(c.handling, key)
			c.handlingMu.Unlock()
			cancel()
		}()
		c.handler(reqCtx, ir)
		ir.repliedM.Lock()
		replied := ir.replied
		ir.repliedM.Unlock()
		if !replied {
			ir.Reply(reqCtx, nil, NewError(CodeInternalError, fmt.Sprintf("method %q did not reply", m.Method), nil))
		}
	}()
}

func (c *Conn) dispatchNotification(ctx context.Context, m *Notification) {
	ir := &IncomingRequest{Request: &Request{Method: m.Method, Params: m.Params}, conn: c}
	go c.handler(ctx, ir)
}

func (c *Conn) routeResponse(m *Response) {
	key := m.ID.String()
	c.pendingMu.Lock()
	rchan := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()
	if rchan != nil {
		rchan <- m
	}
}

func (c *Conn) reply(ctx context.Context, req *Request, result any, callErr error) error {
	var raw json.RawMessage
	var rpcErr *Error
	if callErr != nil {
		rpcErr = toError(callErr)
	} else {
		var err error
		raw, err = marshalParams(result)
		if err != nil {
			rpcErr = NewError(CodeInternalError, err.Error(), nil)
		}
	}
	data, err := Encode(&Response{ID: req.ID, Result: raw, Error: rpcErr})
	if err != nil {
		return err
	}
	return c.stream.Write(ctx, data)
}

func toError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error(), nil)
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
