package mcp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// NewRateLimitingMiddleware returns receiving middleware that token-bucket
// limits inbound method dispatch per session (SPEC_FULL.md's rate-limiting
// supplement): each [*ServerSession] gets its own [rate.Limiter], seeded
// with rps and burst, created lazily on first use. A request that would
// exceed the bucket is rejected with a JSON-RPC error rather than blocked,
// since blocking an inbound dispatch goroutine indefinitely would also
// stall that session's other traffic.
func NewRateLimitingMiddleware(rps rate.Limit, burst int) Middleware[*ServerSession] {
	var mu sync.Mutex
	limiters := make(map[*ServerSession]*rate.Limiter)

	limiterFor := func(session *ServerSession) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[session]
		if !ok {
			l = rate.NewLimiter(rps, burst)
			limiters[session] = l
		}
		return l
	}

	return func(next MethodHandler[*ServerSession]) MethodHandler[*ServerSession] {
		return func(ctx context.Context, session *ServerSession, method string, params Params) (Result, error) {
			if !limiterFor(session).Allow() {
				return nil, NewError(CodeInvalidRequest, fmt.Sprintf("rate limit exceeded for method %q", method), nil)
			}
			return next(ctx, session, method, params)
		}
	}
}
