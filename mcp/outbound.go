package mcp

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// defaultCallTimeout is the timeout applied to an outbound request when the
// caller does not override it (spec §4.3, "Outbound request": "starts a
// timeout timer (default 60s; caller-overridable)").
const defaultCallTimeout = 60 * time.Second

// CallOptions configures a single outbound, server-initiated request (spec
// §4.3): sampling/createMessage, elicitation/create, or roots/list. A nil
// *CallOptions is equivalent to &CallOptions{}.
type CallOptions struct {
	// Timeout bounds how long the call waits for a response before it is
	// materialized locally as a request-timeout error. Zero means
	// defaultCallTimeout.
	Timeout time.Duration
	// ResetTimeoutOnProgress restarts Timeout's clock every time a
	// notifications/progress for this call arrives, instead of letting a
	// long-running-but-progressing call expire (spec §4.3 "On timeout with
	// resetTimeoutOnProgress, an intervening progress notification
	// restarts the timer").
	ResetTimeoutOnProgress bool
	// OnProgress, if set, is invoked for every notifications/progress
	// received for this call, in the order the peer emitted them (spec §5
	// "Progress notifications for a given progressToken are delivered in
	// the order the server emitted them").
	OnProgress func(*ProgressNotificationParams)
}

// progressRegistry correlates an inbound notifications/progress to the
// in-flight outbound call waiting on its progressToken. One registry is
// owned by each session (client or server side) since progress tokens are
// only unique within a single connection, not globally.
type progressRegistry struct {
	mu   sync.Mutex
	subs map[string]chan *ProgressNotificationParams
}

func newProgressRegistry() *progressRegistry {
	return &progressRegistry{subs: make(map[string]chan *ProgressNotificationParams)}
}

func (r *progressRegistry) register(token string) chan *ProgressNotificationParams {
	ch := make(chan *ProgressNotificationParams, 8)
	r.mu.Lock()
	r.subs[token] = ch
	r.mu.Unlock()
	return ch
}

func (r *progressRegistry) unregister(token string) {
	r.mu.Lock()
	delete(r.subs, token)
	r.mu.Unlock()
}

// dispatch delivers p to whichever outbound call registered p's token, if
// any; a progress notification with no matching registrant (an unknown
// token, or a call that already returned) is simply dropped.
func (r *progressRegistry) dispatch(p *ProgressNotificationParams) {
	token := progressTokenString(p.ProgressToken)
	r.mu.Lock()
	ch := r.subs[token]
	r.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
		// A consumer that isn't keeping up with its own progress stream
		// must not stall delivery to the rest of the session.
	}
}

func progressTokenString(token any) string {
	switch v := token.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// callWithProgress issues method/params on conn as an outbound request
// (spec §4.3 "Outbound request"), tagging it with a progressToken equal to
// its own request id, and decodes the response into a freshly allocated
// *R. It owns the full outbound request lifecycle: timeout (with optional
// progress-driven reset), progress relay, and notifying the peer with
// notifications/cancelled when this side gives up on the call.
func callWithProgress[R any](ctx context.Context, conn *jsonrpc2.Conn, reg *progressRegistry, method string, params Params, opts *CallOptions) (*R, error) {
	timeout := defaultCallTimeout
	var onProgress func(*ProgressNotificationParams)
	var resetOnProgress bool
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		onProgress = opts.OnProgress
		resetOnProgress = opts.ResetTimeoutOnProgress
	}

	id := conn.AllocateID()
	token := id.Raw()
	setProgressToken(params, token)
	tokenKey := progressTokenString(token)

	progressCh := reg.register(tokenKey)
	defer reg.unregister(tokenKey)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type callResult struct {
		res R
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		var res R
		err := conn.CallWithID(callCtx, id, method, params, &res)
		done <- callResult{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					_ = conn.Notify(context.Background(), notificationCancelled, &CancelledParams{
						RequestID: id.Raw(),
						Reason:    ctxErr.Error(),
					})
				}
				return nil, r.err
			}
			return &r.res, nil

		case p := <-progressCh:
			if onProgress != nil {
				onProgress(p)
			}
			if resetOnProgress {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}

		case <-timer.C:
			cancel()
			<-done
			_ = conn.Notify(context.Background(), notificationCancelled, &CancelledParams{
				RequestID: id.Raw(),
				Reason:    "timeout",
			})
			return nil, NewError(jsonrpc2.CodeRequestTimeout, "request timed out", nil)
		}
	}
}
