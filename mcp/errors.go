package mcp

import "github.com/mcprt/corerpc/internal/jsonrpc2"

// Error is the JSON-RPC error object carried in a failed response, as
// seen by mcp callers: errors.As(err, new(*mcp.Error)) recovers the code
// and structured data an MCP-aware caller needs, the same way a database
// driver lets callers recover a *pq.Error.
type Error = jsonrpc2.Error

// NewError builds an *Error with the given code, message, and optional
// structured data.
func NewError(code int64, message string, data any) *Error {
	return jsonrpc2.NewError(code, message, data)
}

// Re-exported standard JSON-RPC error codes, for handlers that want to
// return a *Error directly rather than a plain error wrapping one of these.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
)

// MCP-specific application error codes, in the JSON-RPC reserved
// "server error" range (-32000 to -32099).
const (
	// CodeTaskNotFound is returned by tasks/get, tasks/cancel, and
	// tasks/result when the referenced task id is unknown, expired, or
	// belongs to a different session.
	CodeTaskNotFound int64 = -32010
	// CodeUrlElicitationRequired is returned when a tool call cannot
	// proceed without the client completing a URL-based elicitation flow.
	CodeUrlElicitationRequired = jsonrpc2.CodeUrlElicitationRequired
)

var (
	ErrMethodNotFound   = jsonrpc2.ErrMethodNotFound
	ErrInvalidParams    = jsonrpc2.ErrInvalidParams
	ErrInvalidRequest   = jsonrpc2.ErrInvalidRequest
	ErrInternal         = jsonrpc2.ErrInternal
	ErrConnectionClosed = jsonrpc2.ErrConnClosed
)
