package mcp

import "reflect"

// Meta holds the protocol's reserved "_meta" object, attached to most
// params and results so senders can stash out-of-band metadata (progress
// tokens, task-correlation ids, vendor extensions) without widening the
// typed fields around it.
type Meta map[string]any

// Role distinguishes which party produced a piece of content.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Result is implemented by every typed result payload (CallToolResult,
// InitializeResult, and so on). It exists so the dispatch tables in
// server_session.go and client_session.go can hold results behind a
// single interface while still
// letting each concrete type carry its own shape.
type Result interface {
	isResult()
}

// Params is implemented by every typed params payload. GetProgressToken
// and SetProgressToken thread a progress token through the reserved _meta
// object, which is how the protocol lets any request opt into progress
// notifications without a dedicated field on every params type.
type Params interface {
	isParams()
	GetProgressToken() any
	SetProgressToken(t any)
}

const progressTokenKey = "progressToken"

// metaField locates the embedded Meta field carried by every params/result
// struct, via reflection, so the dozens of near-identical types in
// protocol.go don't each need their own GetMeta/SetMeta boilerplate.
func metaField(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return rv.FieldByName("Meta")
}

// getMeta returns the _meta object attached to a params or result value,
// or nil if it doesn't carry one.
func getMeta(v any) Meta {
	f := metaField(v)
	if !f.IsValid() {
		return nil
	}
	m, _ := f.Interface().(Meta)
	return m
}

// setMeta replaces the _meta object attached to a params or result value.
func setMeta(v any, m Meta) {
	f := metaField(v)
	if f.IsValid() && f.CanSet() {
		f.Set(reflect.ValueOf(m))
	}
}

func getProgressToken(p any) any {
	m := getMeta(p)
	if m == nil {
		return nil
	}
	return m[progressTokenKey]
}

func setProgressToken(p any, token any) {
	m := getMeta(p)
	if m == nil {
		m = Meta{}
	}
	m[progressTokenKey] = token
	setMeta(p, m)
}

// ServerRequest wraps an inbound request handled by a Server: P is the
// concrete params type (e.g. *CallToolParamsRaw), and Session is the
// ServerSession the request arrived on, which handler code uses to send
// progress notifications or issue server-initiated calls of its own
// (sampling, elicitation, roots) back to the same client.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P

	// Extra carries protocol-level context a handler occasionally needs
	// but that doesn't belong on Params: the request's task correlation,
	// if tasks/* augmentation produced this call.
	Extra *RequestExtra
}

// ClientRequest wraps an inbound request handled by a Client: a
// server-initiated call such as sampling/createMessage, elicitation/create,
// or roots/list.
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P
}

// RequestExtra carries side information about how a request reached its
// handler, independent of the request's own typed params.
type RequestExtra struct {
	// TaskID is set when this request is being serviced as a task (spec
	// task augmentation of tools/call): the handler can use it to persist
	// intermediate results or to recognize repeated delivery after a
	// reconnect.
	TaskID string
}

func newServerRequest[P Params](session *ServerSession, params P) *ServerRequest[P] {
	return &ServerRequest[P]{Session: session, Params: params}
}

func newClientRequest[P Params](session *ClientSession, params P) *ClientRequest[P] {
	return &ClientRequest[P]{Session: session, Params: params}
}
