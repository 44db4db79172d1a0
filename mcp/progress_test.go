package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// progressConnection wires a client whose CreateMessageHandler reports
// progress (and optionally blocks) back to a server, returning the
// ServerSession the test drives CreateMessage calls through.
func progressConnection(t *testing.T, handle func(ctx context.Context, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error)) (*ServerSession, func()) {
	t.Helper()
	ctx := context.Background()
	ct, st := NewInMemoryTransports()

	server := NewServer(testImpl, nil)
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}

	client := NewClient(testImpl, &ClientOptions{CreateMessageHandler: handle})
	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}

	return ss, func() {
		_ = cs.Close()
		_ = ss.Wait()
	}
}

func TestOutboundProgressRelay(t *testing.T) {
	var gotProgress []float64
	var mu sync.Mutex

	ss, cleanup := progressConnection(t, func(ctx context.Context, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error) {
		token := getProgressToken(req.Params)
		if token == nil {
			t.Error("no progress token set on CreateMessageParams")
		}
		for i := 1; i <= 3; i++ {
			_ = req.Session.notify(ctx, notificationProgress, &ProgressNotificationParams{
				ProgressToken: token,
				Progress:      float64(i),
				Total:         3,
			})
		}
		return &CreateMessageResult{Model: "test-model", Role: RoleAssistant, Content: &TextContent{Text: "ok"}}, nil
	})
	defer cleanup()

	opts := &CallOptions{
		OnProgress: func(p *ProgressNotificationParams) {
			mu.Lock()
			gotProgress = append(gotProgress, p.Progress)
			mu.Unlock()
		},
	}
	res, err := ss.CreateMessage(context.Background(), &CreateMessageParams{
		MaxTokens: 16,
		Messages:  []*SamplingMessage{{Role: RoleUser, Content: &TextContent{Text: "hi"}}},
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "test-model" {
		t.Errorf("got model %q, want %q", res.Model, "test-model")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotProgress) != 3 {
		t.Fatalf("got %d progress notifications, want 3: %v", len(gotProgress), gotProgress)
	}
	for i, p := range gotProgress {
		if p != float64(i+1) {
			t.Errorf("progress[%d] = %v, want %v", i, p, i+1)
		}
	}
}

func TestOutboundCallTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ss, cleanup := progressConnection(t, func(ctx context.Context, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	defer cleanup()

	opts := &CallOptions{Timeout: 20 * time.Millisecond}
	_, err := ss.CreateMessage(context.Background(), &CreateMessageParams{
		MaxTokens: 16,
		Messages:  []*SamplingMessage{{Role: RoleUser, Content: &TextContent{Text: "hi"}}},
	}, opts)
	if err == nil {
		t.Fatal("got nil error, want a timeout error")
	}
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Code != jsonrpc2.CodeRequestTimeout {
			t.Errorf("got error code %d, want %d", rpcErr.Code, jsonrpc2.CodeRequestTimeout)
		}
	} else {
		t.Errorf("error %v does not wrap a *jsonrpc2.Error", err)
	}
}

func TestOutboundResetTimeoutOnProgress(t *testing.T) {
	done := make(chan struct{})
	ss, cleanup := progressConnection(t, func(ctx context.Context, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error) {
		token := getProgressToken(req.Params)
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 4; i++ {
			select {
			case <-ticker.C:
				_ = req.Session.notify(ctx, notificationProgress, &ProgressNotificationParams{
					ProgressToken: token,
					Progress:      float64(i),
				})
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &CreateMessageResult{Model: "slow-model", Role: RoleAssistant, Content: &TextContent{Text: "ok"}}, nil
	})
	defer func() {
		close(done)
		cleanup()
	}()

	// Total handler time (~60ms across 4 ticks) exceeds the 25ms timeout,
	// but each progress notification resets the clock, so the call should
	// still succeed (spec §4.3 "an intervening progress notification
	// restarts the timer").
	opts := &CallOptions{
		Timeout:                25 * time.Millisecond,
		ResetTimeoutOnProgress: true,
	}
	res, err := ss.CreateMessage(context.Background(), &CreateMessageParams{
		MaxTokens: 16,
		Messages:  []*SamplingMessage{{Role: RoleUser, Content: &TextContent{Text: "hi"}}},
	}, opts)
	if err != nil {
		t.Fatalf("expected reset-on-progress to keep the call alive, got: %v", err)
	}
	if res.Model != "slow-model" {
		t.Errorf("got model %q, want %q", res.Model, "slow-model")
	}
}
