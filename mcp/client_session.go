package mcp

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// ClientSession is one connection from a [Client] to a server (spec
// §4.3): the negotiated capabilities and protocol version learned during
// the initialize handshake, and the [jsonrpc2.Conn] dispatching both the
// requests this file issues to the server and the server-initiated
// requests (sampling, elicitation, roots) [ClientOptions] opted into
// answering.
type ClientSession struct {
	client *Client
	conn   *jsonrpc2.Conn

	mu              sync.Mutex
	id              string
	serverInfo      *Implementation
	serverCaps      *ServerCapabilities
	protocolVersion string

	progress *progressRegistry

	doneOnce sync.Once
	done     chan struct{}
	doneErr  error
}

func newClientSession(c *Client, conn Connection) *ClientSession {
	id := randText()
	if sid, ok := conn.(sessionIDer); ok && sid.SessionID() != "" {
		id = sid.SessionID()
	}
	return &ClientSession{
		client:   c,
		id:       id,
		progress: newProgressRegistry(),
		done:     make(chan struct{}),
	}
}

// ID returns the session's opaque identifier: the streamable-HTTP
// Mcp-Session-Id the transport negotiated, if any, otherwise a random id
// local to this process.
func (cs *ClientSession) ID() string { return cs.id }

// ServerCapabilities returns the capabilities the server advertised during
// initialize.
func (cs *ClientSession) ServerCapabilities() *ServerCapabilities {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.serverCaps
}

func (cs *ClientSession) serverCapabilities() *ServerCapabilities {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.serverCaps == nil {
		return &ServerCapabilities{}
	}
	return cs.serverCaps
}

// Wait blocks until the session's connection has closed and returns the
// error, if any, that ended it.
func (cs *ClientSession) Wait() error {
	<-cs.done
	return cs.doneErr
}

func (cs *ClientSession) finish(err error) {
	cs.doneOnce.Do(func() {
		cs.doneErr = err
		close(cs.done)
	})
}

// Close terminates the session's connection.
func (cs *ClientSession) Close() error {
	if cs.conn == nil {
		return nil
	}
	return cs.conn.Close()
}

func (cs *ClientSession) notify(ctx context.Context, method string, params any) error {
	if cs.conn == nil {
		return fmt.Errorf("mcp: session has no connection")
	}
	return cs.conn.Notify(ctx, method, params)
}

// initialize performs the initialize handshake (spec §6 "Protocol version
// negotiation") and, on success, sends notifications/initialized.
func (cs *ClientSession) initialize(ctx context.Context) error {
	params := &InitializeParams{
		Capabilities:    cs.client.capabilities(),
		ClientInfo:      cs.client.impl,
		ProtocolVersion: protocolVersion,
	}
	var res InitializeResult
	if err := cs.conn.Call(ctx, methodInitialize, params, &res); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	cs.mu.Lock()
	cs.serverCaps = res.Capabilities
	cs.serverInfo = res.ServerInfo
	cs.protocolVersion = res.ProtocolVersion
	cs.mu.Unlock()
	return cs.notify(ctx, notificationInitialized, &InitializedParams{})
}

// Ping asks the server to respond, a liveness check either side can issue
// at any time (spec §6 core method set). A nil params is equivalent to
// &PingParams{}.
func (cs *ClientSession) Ping(ctx context.Context, params *PingParams) error {
	if params == nil {
		params = &PingParams{}
	}
	var res emptyResult
	return cs.conn.Call(ctx, methodPing, params, &res)
}

// CallTool invokes a tool registered on the server.
func (cs *ClientSession) CallTool(ctx context.Context, params *CallToolParams) (*CallToolResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodCallTool); err != nil {
		return nil, err
	}
	var res CallToolResult
	if err := cs.conn.Call(ctx, methodCallTool, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools lists the tools the server has registered. A nil params lists
// the first page.
func (cs *ClientSession) ListTools(ctx context.Context, params *ListToolsParams) (*ListToolsResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodListTools); err != nil {
		return nil, err
	}
	if params == nil {
		params = &ListToolsParams{}
	}
	var res ListToolsResult
	if err := cs.conn.Call(ctx, methodListTools, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources lists the resources the server has registered.
func (cs *ClientSession) ListResources(ctx context.Context, params *ListResourcesParams) (*ListResourcesResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodListResources); err != nil {
		return nil, err
	}
	if params == nil {
		params = &ListResourcesParams{}
	}
	var res ListResourcesResult
	if err := cs.conn.Call(ctx, methodListResources, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResourceTemplates lists the resource templates the server has
// registered.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodListResourceTemplates); err != nil {
		return nil, err
	}
	if params == nil {
		params = &ListResourceTemplatesParams{}
	}
	var res ListResourceTemplatesResult
	if err := cs.conn.Call(ctx, methodListResourceTemplates, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads a resource or resource-template match by URI.
func (cs *ClientSession) ReadResource(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodReadResource); err != nil {
		return nil, err
	}
	var res ReadResourceResult
	if err := cs.conn.Call(ctx, methodReadResource, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe asks the server for resources/updated notifications about uri.
func (cs *ClientSession) Subscribe(ctx context.Context, params *SubscribeParams) error {
	if err := checkServerCapability(cs.serverCapabilities(), methodSubscribe); err != nil {
		return err
	}
	var res emptyResult
	return cs.conn.Call(ctx, methodSubscribe, params, &res)
}

// Unsubscribe cancels a previous Subscribe.
func (cs *ClientSession) Unsubscribe(ctx context.Context, params *UnsubscribeParams) error {
	if err := checkServerCapability(cs.serverCapabilities(), methodUnsubscribe); err != nil {
		return err
	}
	var res emptyResult
	return cs.conn.Call(ctx, methodUnsubscribe, params, &res)
}

// ListPrompts lists the prompts the server has registered.
func (cs *ClientSession) ListPrompts(ctx context.Context, params *ListPromptsParams) (*ListPromptsResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodListPrompts); err != nil {
		return nil, err
	}
	if params == nil {
		params = &ListPromptsParams{}
	}
	var res ListPromptsResult
	if err := cs.conn.Call(ctx, methodListPrompts, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt renders a registered prompt template.
func (cs *ClientSession) GetPrompt(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodGetPrompt); err != nil {
		return nil, err
	}
	var res GetPromptResult
	if err := cs.conn.Call(ctx, methodGetPrompt, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Complete requests argument autocompletion.
func (cs *ClientSession) Complete(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodComplete); err != nil {
		return nil, err
	}
	var res CompleteResult
	if err := cs.conn.Call(ctx, methodComplete, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetLevel asks the server to raise or lower the minimum severity of the
// notifications/message logs it sends this session.
func (cs *ClientSession) SetLevel(ctx context.Context, params *SetLoggingLevelParams) error {
	if err := checkServerCapability(cs.serverCapabilities(), methodSetLevel); err != nil {
		return err
	}
	var res emptyResult
	return cs.conn.Call(ctx, methodSetLevel, params, &res)
}

// GetTask retrieves the current status of a server-side task (spec
// §4.7, tasks/get).
func (cs *ClientSession) GetTask(ctx context.Context, params *GetTaskParams) (*GetTaskResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodGetTask); err != nil {
		return nil, err
	}
	var res GetTaskResult
	if err := cs.conn.Call(ctx, methodGetTask, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTasks lists the calling session's tasks (spec §4.7, tasks/list).
func (cs *ClientSession) ListTasks(ctx context.Context, params *ListTasksParams) (*ListTasksResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodListTasks); err != nil {
		return nil, err
	}
	if params == nil {
		params = &ListTasksParams{}
	}
	var res ListTasksResult
	if err := cs.conn.Call(ctx, methodListTasks, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelTask requests cancellation of an in-flight task (spec §4.7,
// tasks/cancel).
func (cs *ClientSession) CancelTask(ctx context.Context, params *CancelTaskParams) (*CancelTaskResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodCancelTask); err != nil {
		return nil, err
	}
	var res CancelTaskResult
	if err := cs.conn.Call(ctx, methodCancelTask, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TaskResult retrieves the final result of a task, blocking until it
// reaches a terminal status if it hasn't already (spec §4.7, tasks/result).
func (cs *ClientSession) TaskResult(ctx context.Context, params *TaskResultParams) (*CallToolResult, error) {
	if err := checkServerCapability(cs.serverCapabilities(), methodTaskResult); err != nil {
		return nil, err
	}
	var res CallToolResult
	if err := cs.conn.Call(ctx, methodTaskResult, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// clientMethodSpec binds a method name to its params decoder and dispatch
// function, mirroring serverMethodSpec in server_session.go but for the
// requests a Client, not a Server, receives.
type clientMethodSpec struct {
	decode func(raw json.RawMessage) (Params, error)
	call   func(ctx context.Context, c *Client, cs *ClientSession, p Params) (Result, error)
}

var clientMethods = map[string]*clientMethodSpec{}

func registerClientMethod[P Params, R Result](method string, handler func(ctx context.Context, c *Client, req *ClientRequest[P]) (R, error)) {
	var zero P
	elemType := reflect.TypeOf(zero).Elem()
	clientMethods[method] = &clientMethodSpec{
		decode: func(raw json.RawMessage) (Params, error) {
			p := reflect.New(elemType).Interface().(P)
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, p); err != nil {
					return nil, err
				}
			}
			return p, nil
		},
		call: func(ctx context.Context, c *Client, cs *ClientSession, params Params) (Result, error) {
			p, ok := params.(P)
			if !ok {
				return nil, NewError(CodeInvalidParams, "mismatched params type", nil)
			}
			req := newClientRequest(cs, p)
			return handler(ctx, c, req)
		},
	}
}

func init() {
	registerClientMethod(methodCreateMessage, func(ctx context.Context, c *Client, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error) {
		if c.opts.CreateMessageHandler == nil {
			return nil, ErrMethodNotFound
		}
		return c.opts.CreateMessageHandler(ctx, req)
	})
	registerClientMethod(methodElicit, func(ctx context.Context, c *Client, req *ClientRequest[*ElicitParams]) (*ElicitResult, error) {
		if c.opts.ElicitationHandler == nil {
			return nil, ErrMethodNotFound
		}
		return c.opts.ElicitationHandler(ctx, req)
	})
	registerClientMethod(methodListRoots, func(ctx context.Context, c *Client, req *ClientRequest[*ListRootsParams]) (*ListRootsResult, error) {
		c.mu.Lock()
		roots := append([]*Root(nil), c.roots...)
		c.mu.Unlock()
		return &ListRootsResult{Roots: roots}, nil
	})
	registerClientMethod(methodPing, func(ctx context.Context, c *Client, req *ClientRequest[*PingParams]) (*emptyResult, error) {
		return &emptyResult{}, nil
	})
	registerClientMethod(notificationToolListChanged, func(ctx context.Context, c *Client, req *ClientRequest[*ToolListChangedParams]) (Result, error) {
		if c.opts.ToolListChangedHandler != nil {
			c.opts.ToolListChangedHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationResourceListChanged, func(ctx context.Context, c *Client, req *ClientRequest[*ResourceListChangedParams]) (Result, error) {
		if c.opts.ResourceListChangedHandler != nil {
			c.opts.ResourceListChangedHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationResourceUpdated, func(ctx context.Context, c *Client, req *ClientRequest[*ResourceUpdatedNotificationParams]) (Result, error) {
		if c.opts.ResourceUpdatedHandler != nil {
			c.opts.ResourceUpdatedHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationPromptListChanged, func(ctx context.Context, c *Client, req *ClientRequest[*PromptListChangedParams]) (Result, error) {
		if c.opts.PromptListChangedHandler != nil {
			c.opts.PromptListChangedHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationLoggingMessage, func(ctx context.Context, c *Client, req *ClientRequest[*LoggingMessageParams]) (Result, error) {
		if c.opts.LoggingMessageHandler != nil {
			c.opts.LoggingMessageHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationProgress, func(ctx context.Context, c *Client, req *ClientRequest[*ProgressNotificationParams]) (Result, error) {
		req.Session.progress.dispatch(req.Params)
		if c.opts.ProgressNotificationHandler != nil {
			c.opts.ProgressNotificationHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationTaskStatus, func(ctx context.Context, c *Client, req *ClientRequest[*TaskStatusNotificationParams]) (Result, error) {
		if c.opts.TaskStatusHandler != nil {
			c.opts.TaskStatusHandler(ctx, req)
		}
		return nil, nil
	})
	registerClientMethod(notificationCancelled, func(ctx context.Context, c *Client, req *ClientRequest[*CancelledParams]) (Result, error) {
		if id, ok := req.Params.RequestID.(string); ok {
			req.Session.conn.CancelHandling(jsonrpc2.StringID(id))
		} else if idf, ok := req.Params.RequestID.(float64); ok {
			req.Session.conn.CancelHandling(jsonrpc2.Int64ID(int64(idf)))
		}
		return nil, nil
	})
	registerClientMethod(notificationElicitationComplete, func(ctx context.Context, c *Client, req *ClientRequest[*ElicitationCompleteParams]) (Result, error) {
		return nil, nil
	})
}

// handle is the jsonrpc2.Conn handler for this session: it looks up the
// inbound method, decodes its params, runs the sending... er, the
// client's middleware chain, and replies (for calls only).
func (cs *ClientSession) handle(ctx context.Context, ir *jsonrpc2.IncomingRequest) {
	spec, ok := clientMethods[ir.Method]
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
	if err := checkClientCapability(cs.client.capabilities(), ir.Method); err != nil {
		if ir.ID.IsValid() {
			ir.Reply(ctx, nil, err)
		}
		return
	}

	base := func(ctx context.Context, session *ClientSession, method string, p Params) (Result, error) {
		return spec.call(ctx, cs.client, session, p)
	}
	h := chainMiddleware(base, cs.client.sendingChain())
	result, err := h(ctx, cs, ir.Method, params)
	if ir.ID.IsValid() {
		ir.Reply(ctx, result, err)
	}
}
