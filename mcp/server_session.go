package mcp

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// ServerSession is one client connection to a [Server] (spec §4.3): the
// negotiated capabilities and protocol version from its initialize
// handshake, and the [jsonrpc2.Conn] dispatching both the inbound methods
// this file answers and the outbound, server-initiated requests
// (sampling, elicitation, roots) a tool handler may issue back to the
// client it is running under.
type ServerSession struct {
	server *Server
	conn   *jsonrpc2.Conn

	mu              sync.Mutex
	id              string
	clientInfo      *Implementation
	clientCaps      *ClientCapabilities
	initialized     bool
	logLevel        LoggingLevel
	subscribedURIs  map[string]bool

	progress *progressRegistry

	doneOnce sync.Once
	done     chan struct{}
	doneErr  error
}

func newServerSession(s *Server, conn Connection) *ServerSession {
	id := randText()
	if sid, ok := conn.(sessionIDer); ok && sid.SessionID() != "" {
		id = sid.SessionID()
	}
	return &ServerSession{
		server:         s,
		id:             id,
		logLevel:       LoggingLevelInfo,
		subscribedURIs: make(map[string]bool),
		progress:       newProgressRegistry(),
		done:           make(chan struct{}),
	}
}

// ID returns the session's opaque identifier (the streamable-HTTP
// Mcp-Session-Id, if that transport assigned one; otherwise a random id
// local to this process).
func (ss *ServerSession) ID() string { return ss.id }

func (ss *ServerSession) isInitialized() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.initialized
}

func (ss *ServerSession) clientCapabilities() *ClientCapabilities {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.clientCaps == nil {
		return &ClientCapabilities{}
	}
	return ss.clientCaps
}

// Wait blocks until the session's connection has closed and returns the
// error, if any, that ended it.
func (ss *ServerSession) Wait() error {
	<-ss.done
	return ss.doneErr
}

func (ss *ServerSession) finish(err error) {
	ss.doneOnce.Do(func() {
		ss.doneErr = err
		close(ss.done)
	})
}

// Close terminates the session's connection.
func (ss *ServerSession) Close() error {
	if ss.conn == nil {
		return nil
	}
	return ss.conn.Close()
}

// notify sends a server-to-client notification over this session.
func (ss *ServerSession) notify(ctx context.Context, method string, params any) error {
	if ss.conn == nil {
		return fmt.Errorf("mcp: session has no connection")
	}
	return ss.conn.Notify(ctx, method, params)
}

// NotifyProgress sends a notifications/progress message to the client.
func (ss *ServerSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return ss.notify(ctx, notificationProgress, params)
}

// Log sends a notifications/message to the client if level is at least as
// severe as the minimum level the client last requested via
// logging/setLevel.
func (ss *ServerSession) Log(ctx context.Context, params *LoggingMessageParams) error {
	ss.mu.Lock()
	min := ss.logLevel
	ss.mu.Unlock()
	if !params.Level.atLeast(min) {
		return nil
	}
	return ss.notify(ctx, notificationLoggingMessage, params)
}

// CreateMessage asks the client to sample from an LLM on the server's
// behalf (spec: sampling/createMessage). The call blocks until the client
// responds, opts' timeout elapses, or the connection closes. A nil opts
// uses the default 60s timeout with no progress relay.
func (ss *ServerSession) CreateMessage(ctx context.Context, params *CreateMessageParams, opts *CallOptions) (*CreateMessageResult, error) {
	if err := checkClientCapability(ss.clientCapabilities(), methodCreateMessage); err != nil {
		return nil, err
	}
	return callWithProgress[CreateMessageResult](ctx, ss.conn, ss.progress, methodCreateMessage, params, opts)
}

// Elicit asks the client to collect additional information from the user
// (spec: elicitation/create).
func (ss *ServerSession) Elicit(ctx context.Context, params *ElicitParams, opts *CallOptions) (*ElicitResult, error) {
	if err := checkClientCapability(ss.clientCapabilities(), methodElicit); err != nil {
		return nil, err
	}
	return callWithProgress[ElicitResult](ctx, ss.conn, ss.progress, methodElicit, params, opts)
}

// sendRaw issues method/params as an outbound request over the session's
// connection, returning the raw JSON result instead of decoding it into a
// typed value. It is used by tasks/result to forward an already-encoded
// side-channel message without needing to know that message's concrete
// result type.
func (ss *ServerSession) sendRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := ss.conn.Call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// CreateMessageForTask behaves like [ServerSession.CreateMessage], but is
// meant to be called from inside a tool handler executing as a task
// (RequestExtra.TaskID identifies which). Rather than calling the client
// directly, the request is buffered on the task's side channel and
// delivered the next time the client calls tasks/result, which is also
// how the response makes its way back here.
func (ss *ServerSession) CreateMessageForTask(ctx context.Context, taskID string, params *CreateMessageParams) (*CreateMessageResult, error) {
	if err := checkClientCapability(ss.clientCapabilities(), methodCreateMessage); err != nil {
		return nil, err
	}
	return taskSideChannelCall[CreateMessageResult](ctx, ss.server, ss, taskID, methodCreateMessage, params)
}

// ElicitForTask is [ServerSession.CreateMessageForTask]'s counterpart for
// elicitation/create.
func (ss *ServerSession) ElicitForTask(ctx context.Context, taskID string, params *ElicitParams) (*ElicitResult, error) {
	if err := checkClientCapability(ss.clientCapabilities(), methodElicit); err != nil {
		return nil, err
	}
	return taskSideChannelCall[ElicitResult](ctx, ss.server, ss, taskID, methodElicit, params)
}

// ListRoots asks the client for its current list of filesystem/URI roots
// (spec: roots/list).
func (ss *ServerSession) ListRoots(ctx context.Context, params *ListRootsParams, opts *CallOptions) (*ListRootsResult, error) {
	if err := checkClientCapability(ss.clientCapabilities(), methodListRoots); err != nil {
		return nil, err
	}
	return callWithProgress[ListRootsResult](ctx, ss.conn, ss.progress, methodListRoots, params, opts)
}

// Ping asks the client to respond, a liveness check either side can issue
// at any time (spec §6 core method set). A nil params is equivalent to
// &PingParams{}.
func (ss *ServerSession) Ping(ctx context.Context, params *PingParams) error {
	if params == nil {
		params = &PingParams{}
	}
	return ss.conn.Call(ctx, methodPing, params, &emptyResult{})
}

// serverMethodSpec binds a method name to its params decoder and its
// dispatch function, with Params/Result erased to the common interfaces
// so a single table can hold every method regardless of its concrete DTO.
type serverMethodSpec struct {
	decode func(raw json.RawMessage) (Params, error)
	call   func(ctx context.Context, s *Server, ss *ServerSession, p Params) (Result, error)
}

var serverMethods = map[string]*serverMethodSpec{}

// registerServerMethod wires a method's concrete params/result types into
// the generic serverMethods table via reflection-based decoding, so each
// per-method handler below can be written in terms of its own typed
// ServerRequest instead of the generic Params/Result interfaces.
func registerServerMethod[P Params, R Result](method string, handler func(ctx context.Context, s *Server, req *ServerRequest[P]) (R, error)) {
	var zero P
	elemType := reflect.TypeOf(zero).Elem()
	serverMethods[method] = &serverMethodSpec{
		decode: func(raw json.RawMessage) (Params, error) {
			p := reflect.New(elemType).Interface().(P)
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, p); err != nil {
					return nil, err
				}
			}
			return p, nil
		},
		call: func(ctx context.Context, s *Server, ss *ServerSession, params Params) (Result, error) {
			p, ok := params.(P)
			if !ok {
				return nil, NewError(CodeInvalidParams, "mismatched params type", nil)
			}
			req := newServerRequest(ss, p)
			return handler(ctx, s, req)
		},
	}
}

func init() {
	registerServerMethod(methodInitialize, func(ctx context.Context, s *Server, req *ServerRequest[*InitializeParams]) (*InitializeResult, error) {
		return s.handleInitialize(ctx, req)
	})
	registerServerMethod(notificationInitialized, func(ctx context.Context, s *Server, req *ServerRequest[*InitializedParams]) (Result, error) {
		req.Session.mu.Lock()
		req.Session.initialized = true
		req.Session.mu.Unlock()
		req.Session.persistState(ctx)
		return nil, nil
	})
	registerServerMethod(methodPing, func(ctx context.Context, s *Server, req *ServerRequest[*PingParams]) (*emptyResult, error) {
		return &emptyResult{}, nil
	})
	registerServerMethod(methodListTools, func(ctx context.Context, s *Server, req *ServerRequest[*ListToolsParams]) (*ListToolsResult, error) {
		return s.listTools(ctx, req)
	})
	registerServerMethod(methodCallTool, func(ctx context.Context, s *Server, req *ServerRequest[*CallToolParamsRaw]) (Result, error) {
		return s.callToolAny(ctx, req)
	})
	registerServerMethod(methodListResources, func(ctx context.Context, s *Server, req *ServerRequest[*ListResourcesParams]) (*ListResourcesResult, error) {
		return s.listResources(ctx, req)
	})
	registerServerMethod(methodListResourceTemplates, func(ctx context.Context, s *Server, req *ServerRequest[*ListResourceTemplatesParams]) (*ListResourceTemplatesResult, error) {
		return s.listResourceTemplates(ctx, req)
	})
	registerServerMethod(methodReadResource, func(ctx context.Context, s *Server, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error) {
		return s.readResource(ctx, req)
	})
	registerServerMethod(methodSubscribe, func(ctx context.Context, s *Server, req *ServerRequest[*SubscribeParams]) (*emptyResult, error) {
		return s.subscribe(ctx, req)
	})
	registerServerMethod(methodUnsubscribe, func(ctx context.Context, s *Server, req *ServerRequest[*UnsubscribeParams]) (*emptyResult, error) {
		return s.unsubscribe(ctx, req)
	})
	registerServerMethod(methodListPrompts, func(ctx context.Context, s *Server, req *ServerRequest[*ListPromptsParams]) (*ListPromptsResult, error) {
		return s.listPrompts(ctx, req)
	})
	registerServerMethod(methodGetPrompt, func(ctx context.Context, s *Server, req *ServerRequest[*GetPromptParams]) (*GetPromptResult, error) {
		return s.getPrompt(ctx, req)
	})
	registerServerMethod(methodComplete, func(ctx context.Context, s *Server, req *ServerRequest[*CompleteParams]) (*CompleteResult, error) {
		if s.opts.Completions == nil {
			return nil, ErrMethodNotFound
		}
		return s.opts.Completions(ctx, req)
	})
	registerServerMethod(methodSetLevel, func(ctx context.Context, s *Server, req *ServerRequest[*SetLoggingLevelParams]) (*emptyResult, error) {
		req.Session.mu.Lock()
		req.Session.logLevel = req.Params.Level
		req.Session.mu.Unlock()
		req.Session.persistState(ctx)
		return &emptyResult{}, nil
	})
	registerServerMethod(methodGetTask, func(ctx context.Context, s *Server, req *ServerRequest[*GetTaskParams]) (*GetTaskResult, error) {
		return s.getTask(ctx, req)
	})
	registerServerMethod(methodListTasks, func(ctx context.Context, s *Server, req *ServerRequest[*ListTasksParams]) (*ListTasksResult, error) {
		return s.listTasks(ctx, req)
	})
	registerServerMethod(methodCancelTask, func(ctx context.Context, s *Server, req *ServerRequest[*CancelTaskParams]) (*CancelTaskResult, error) {
		return s.cancelTask(ctx, req)
	})
	registerServerMethod(methodTaskResult, func(ctx context.Context, s *Server, req *ServerRequest[*TaskResultParams]) (*CallToolResult, error) {
		return s.taskResult(ctx, req)
	})
	registerServerMethod(notificationCancelled, func(ctx context.Context, s *Server, req *ServerRequest[*CancelledParams]) (Result, error) {
		if id, ok := req.Params.RequestID.(string); ok {
			req.Session.conn.CancelHandling(jsonrpc2.StringID(id))
		} else if idf, ok := req.Params.RequestID.(float64); ok {
			req.Session.conn.CancelHandling(jsonrpc2.Int64ID(int64(idf)))
		}
		return nil, nil
	})
	registerServerMethod(notificationRootsListChanged, func(ctx context.Context, s *Server, req *ServerRequest[*RootsListChangedParams]) (Result, error) {
		return nil, nil
	})
	registerServerMethod(notificationProgress, func(ctx context.Context, s *Server, req *ServerRequest[*ProgressNotificationParams]) (Result, error) {
		req.Session.progress.dispatch(req.Params)
		return nil, nil
	})
	registerServerMethod(notificationElicitationComplete, func(ctx context.Context, s *Server, req *ServerRequest[*ElicitationCompleteParams]) (Result, error) {
		return nil, nil
	})
}

// emptyResult answers methods (ping, setLevel, subscribe, unsubscribe)
// whose successful response carries no payload beyond "{}".
type emptyResult struct {
	Meta `json:"_meta,omitempty"`
}

func (*emptyResult) isResult() {}

func (s *Server) handleInitialize(ctx context.Context, req *ServerRequest[*InitializeParams]) (*InitializeResult, error) {
	req.Session.mu.Lock()
	req.Session.clientCaps = req.Params.Capabilities
	req.Session.clientInfo = req.Params.ClientInfo
	req.Session.mu.Unlock()
	req.Session.persistState(ctx)
	return &InitializeResult{
		Capabilities:    s.capabilities(),
		Instructions:    s.opts.Instructions,
		ProtocolVersion: protocolVersion,
		ServerInfo:      s.impl,
	}, nil
}

// persistState saves the session's current negotiated state to the
// server's SessionStore, so that a subsequent request for this session can
// be served by any process that shares the store (spec §4.5). Persistence
// failures are not fatal to the request that triggered them: the store is
// a durability and cross-pod-recovery aid, not a requirement for a single
// process to keep serving the session it already holds in memory.
func (ss *ServerSession) persistState(ctx context.Context) {
	ss.mu.Lock()
	state := &SessionState{
		LogLevel:    ss.logLevel,
		Initialized: ss.initialized,
	}
	if ss.clientCaps != nil || ss.clientInfo != nil {
		state.InitializeParams = &InitializeParams{
			Capabilities: ss.clientCaps,
			ClientInfo:   ss.clientInfo,
		}
	}
	ss.mu.Unlock()
	_ = ss.server.sessionStore().Store(ctx, ss.id, state)
}

// handle is the jsonrpc2.Conn handler for this session: it looks up the
// inbound method, decodes its params, checks capability negotiation, runs
// the receiving middleware chain, and replies (for requests only; a
// notification's id is invalid and must not be replied to).
func (ss *ServerSession) handle(ctx context.Context, ir *jsonrpc2.IncomingRequest) {
	spec, ok := serverMethods[ir.Method]
	if !ok {
		if ir.ID.IsValid() {
			ir.Reply(ctx, nil, fmt.Errorf("%w: %q", ErrMethodNotFound, ir.Method))
		}
		return
	}
	params, err := spec.decode(ir.Params)
	if err != nil {
		if ir.ID.IsValid() {
			ir.Reply(ctx, nil, fmt.Errorf("%w: %s", ErrInvalidParams, err))
		}
		return
	}
	if err := checkServerCapability(ss.server.capabilities(), ir.Method); err != nil {
		if ir.ID.IsValid() {
			ir.Reply(ctx, nil, err)
		}
		return
	}

	// Tag the context with the inbound request's id so that a
	// StreamableServerTransport can route any server-initiated
	// notifications or calls issued while this request is handled (e.g. a
	// tool's progress updates) back to the same logical SSE stream as the
	// request that caused them.
	if ir.ID.IsValid() {
		ctx = context.WithValue(ctx, idContextKey{}, ir.ID)
		_ = ss.server.sessionStore().UpdateActivity(ctx, ss.id)
	}

	base := func(ctx context.Context, session *ServerSession, method string, p Params) (Result, error) {
		return spec.call(ctx, ss.server, session, p)
	}
	h := chainMiddleware(base, ss.server.receivingChain())
	result, err := h(ctx, ss, ir.Method, params)
	if ir.ID.IsValid() {
		ir.Reply(ctx, result, err)
	}
}
