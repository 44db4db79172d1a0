package mcp

import "context"

// AuthInfo is an opaque credential capsule attached to each request by
// the transport boundary (spec §3, §1 "Out of scope"): the core never
// inspects it, acquires it, or validates it — OAuth 2.1 credential
// acquisition and authorization policy are external collaborators. A
// handler receives whatever AuthInfo the transport attached, unchanged,
// and may type-assert it to whatever shape its own authorization layer
// expects.
type AuthInfo any

type authInfoContextKey struct{}

// ContextWithAuthInfo returns a context carrying info, for a transport to
// attach the credential capsule it extracted from the inbound connection
// (e.g. a bearer token validated by boundary middleware) before handing
// the request to the protocol engine.
func ContextWithAuthInfo(ctx context.Context, info AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoContextKey{}, info)
}

// AuthInfoFromContext returns the AuthInfo attached to ctx, if any.
func AuthInfoFromContext(ctx context.Context) (AuthInfo, bool) {
	info, ok := ctx.Value(authInfoContextKey{}).(AuthInfo)
	return info, ok
}
