package mcp

import "context"

// A MethodHandler handles a single JSON-RPC method call on one side of a
// session (spec §4.3, C3). S is [*ServerSession] for methods a server
// receives, or [*ClientSession] for methods a client receives. Unlike the
// per-method typed handlers in requests.go, a MethodHandler operates on
// the method name and the generic [Params] interface, which is what makes
// it suitable as the unit [Middleware] wraps.
type MethodHandler[S any] func(ctx context.Context, session S, method string, params Params) (Result, error)

// Middleware wraps a MethodHandler with cross-cutting behavior — logging,
// rate limiting, tracing — without the wrapped handler needing to know it
// is being observed. Middleware chains compose outside-in: the first
// Middleware added to a session is the outermost layer.
type Middleware[S any] func(next MethodHandler[S]) MethodHandler[S]

// chainMiddleware composes mw around base so that mw[0] is the outermost
// wrapper, matching the order callers added them in (as with net/http's
// familiar "wrap in reverse" idiom).
func chainMiddleware[S any](base MethodHandler[S], mw []Middleware[S]) MethodHandler[S] {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// LoggingLevel is the severity of a logging/setLevel request or
// notifications/message payload, using the syslog-derived vocabulary the
// spec borrows from RFC 5424.
const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingLevelRank = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// atLeast reports whether level is at least as severe as min, treating an
// unrecognized level as maximally severe so a misconfigured client never
// silently loses messages.
func (level LoggingLevel) atLeast(min LoggingLevel) bool {
	lr, ok := loggingLevelRank[level]
	if !ok {
		return true
	}
	mr, ok := loggingLevelRank[min]
	if !ok {
		return true
	}
	return lr >= mr
}
