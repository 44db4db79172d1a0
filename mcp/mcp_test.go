package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testImpl = &Implementation{Name: "test", Version: "v1.0.0"}

type hiParams struct {
	Name string `json:"name"`
}

func sayHi(ctx context.Context, req *ServerRequest[*CallToolParamsRaw], args hiParams) (*CallToolResult, any, error) {
	if err := req.Session.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping failed: %w", err)
	}
	return &CallToolResult{Content: []Content{&TextContent{Text: "hi " + args.Name}}}, nil, nil
}

func greetTool() *Tool {
	return &Tool{Name: "greet", Description: "say hi"}
}

// basicConnection creates an in-memory client/server pair, optionally
// configuring the server before it accepts the connection. The returned
// cleanup func closes the client and waits for the server to finish.
func basicConnection(t *testing.T, config func(*Server)) (*ClientSession, *ServerSession, func()) {
	t.Helper()
	ctx := context.Background()
	ct, st := NewInMemoryTransports()

	server := NewServer(testImpl, nil)
	if config != nil {
		config(server)
	}
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := NewClient(testImpl, nil)
	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	return cs, ss, func() {
		_ = cs.Close()
		_ = ss.Wait()
	}
}

func TestCallTool(t *testing.T) {
	cs, _, cleanup := basicConnection(t, func(s *Server) {
		if err := AddTool(s, greetTool(), sayHi); err != nil {
			t.Fatal(err)
		}
	})
	defer cleanup()

	res, err := cs.CallTool(context.Background(), &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "user"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(res.Content))
	}
	tc, ok := res.Content[0].(*TextContent)
	if !ok {
		t.Fatalf("content is %T, want *TextContent", res.Content[0])
	}
	if tc.Text != "hi user" {
		t.Errorf("got %q, want %q", tc.Text, "hi user")
	}
}

func TestCallToolUnknownName(t *testing.T) {
	cs, _, cleanup := basicConnection(t, nil)
	defer cleanup()

	_, err := cs.CallTool(context.Background(), &CallToolParams{Name: "nope"})
	if err == nil {
		t.Fatal("got nil error for unknown tool")
	}
}

func TestServerClosing(t *testing.T) {
	cs, ss, cleanup := basicConnection(t, func(s *Server) {
		if err := AddTool(s, greetTool(), sayHi); err != nil {
			t.Fatal(err)
		}
	})
	defer cleanup()

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cs.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("client connection ended with unexpected error: %v", err)
		}
	}()

	if _, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "user"},
	}); err != nil {
		t.Fatalf("before close: %v", err)
	}

	ss.Close()
	wg.Wait()

	if _, err := cs.CallTool(ctx, &CallToolParams{Name: "greet"}); err == nil {
		t.Error("after disconnection, got nil error, want failure")
	}
}

func TestPing(t *testing.T) {
	cs, ss, cleanup := basicConnection(t, nil)
	defer cleanup()

	if err := cs.Ping(context.Background(), nil); err != nil {
		t.Errorf("client ping: %v", err)
	}
	if err := ss.Ping(context.Background(), nil); err != nil {
		t.Errorf("server ping: %v", err)
	}
}

func TestListRoots(t *testing.T) {
	ctx := context.Background()
	ct, st := NewInMemoryTransports()

	server := NewServer(testImpl, nil)
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	client := NewClient(testImpl, nil)
	root := &Root{URI: "file:///tmp", Name: "tmp"}
	client.AddRoots(root)

	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	res, err := ss.ListRoots(ctx, &ListRootsParams{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Roots) != 1 || res.Roots[0].URI != root.URI {
		t.Errorf("got roots %+v, want [%+v]", res.Roots, root)
	}
}

func traceCalls[S any](w *bytes.Buffer, prefix string) Middleware[S] {
	return func(next MethodHandler[S]) MethodHandler[S] {
		return func(ctx context.Context, session S, method string, params Params) (Result, error) {
			fmt.Fprintf(w, "%s >%s\n", prefix, method)
			res, err := next(ctx, session, method, params)
			fmt.Fprintf(w, "%s <%s\n", prefix, method)
			return res, err
		}
	}
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	ct, st := NewInMemoryTransports()

	s := NewServer(testImpl, nil)
	if err := AddTool(s, greetTool(), sayHi); err != nil {
		t.Fatal(err)
	}
	ss, err := s.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	c := NewClient(testImpl, nil)
	cs, err := c.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	// A round trip that completes only after the server has replied settles
	// the initialize handshake's own asynchronous notifications/initialized
	// handling, so the trace captured below holds only the calls this test
	// cares about.
	if _, err := cs.ListTools(ctx, nil); err != nil {
		t.Fatal(err)
	}

	var sbuf bytes.Buffer
	s.AddReceivingMiddleware(traceCalls[*ServerSession](&sbuf, "R1"), traceCalls[*ServerSession](&sbuf, "R2"))

	if _, err := cs.ListTools(ctx, nil); err != nil {
		t.Fatal(err)
	}

	want := "R1 >tools/list\nR2 >tools/list\nR2 <tools/list\nR1 <tools/list\n"
	if diff := cmp.Diff(want, sbuf.String()); diff != "" {
		t.Errorf("middleware trace mismatch (-want +got):\n%s", diff)
	}
}
