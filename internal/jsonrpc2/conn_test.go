package jsonrpc2

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcprt/corerpc/internal/json"
)

// pipeStream connects two Conns in memory for tests, without any framing
// concerns (no newline/SSE/WS wrapping).
type pipeStream struct {
	in     chan json.RawMessage
	out    chan json.RawMessage
	mu     sync.Mutex
	closed bool
}

func newPipe() (a, b *pipeStream) {
	ab := make(chan json.RawMessage, 16)
	ba := make(chan json.RawMessage, 16)
	return &pipeStream{in: ba, out: ab}, &pipeStream{in: ab, out: ba}
}

func (p *pipeStream) Read(ctx context.Context) (json.RawMessage, error) {
	select {
	case m, ok := <-p.in:
		if !ok {
			return nil, ErrConnClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) Write(ctx context.Context, msg json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnClosed
	}
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

func TestConnCallReply(t *testing.T) {
	clientStream, serverStream := newPipe()

	server := NewConn(serverStream, func(ctx context.Context, req *IncomingRequest) {
		if req.Method != "echo" {
			req.Reply(ctx, nil, ErrMethodNotFound)
			return
		}
		req.Reply(ctx, json.RawMessage(req.Params), nil)
	})
	client := NewConn(clientStream, func(ctx context.Context, req *IncomingRequest) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	var result json.RawMessage
	if err := client.Call(ctx, "echo", map[string]string{"hi": "there"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := `{"hi":"there"}`
	if string(result) != want {
		t.Errorf("result = %s, want %s", result, want)
	}
}

func TestConnCallMethodNotFound(t *testing.T) {
	clientStream, serverStream := newPipe()
	server := NewConn(serverStream, func(ctx context.Context, req *IncomingRequest) {
		req.Reply(ctx, nil, ErrMethodNotFound)
	})
	client := NewConn(clientStream, func(ctx context.Context, req *IncomingRequest) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	err := client.Call(ctx, "nope", nil, nil)
	if err == nil {
		t.Fatal("Call: want error, got nil")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err type = %T, want *Error", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestConnNotify(t *testing.T) {
	clientStream, serverStream := newPipe()
	received := make(chan string, 1)
	server := NewConn(serverStream, func(ctx context.Context, req *IncomingRequest) {
		received <- req.Method
	})
	client := NewConn(clientStream, func(ctx context.Context, req *IncomingRequest) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	if err := client.Notify(ctx, "notifications/progress", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case method := <-received:
		if method != "notifications/progress" {
			t.Errorf("method = %q, want notifications/progress", method)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received notification")
	}
}
