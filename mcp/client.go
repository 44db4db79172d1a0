package mcp

import (
	"context"
	"sync"

	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// ClientOptions configures a [Client]. Each handler field that is left
// nil disables the corresponding capability: a Client with no
// CreateMessageHandler never advertises sampling support, so a server
// that checks ClientCapabilities before calling sampling/createMessage
// will not bother trying.
type ClientOptions struct {
	// CreateMessageHandler answers a server's sampling/createMessage
	// request by sampling from an LLM on the server's behalf.
	CreateMessageHandler func(ctx context.Context, req *ClientRequest[*CreateMessageParams]) (*CreateMessageResult, error)
	// ElicitationHandler answers a server's elicitation/create request by
	// collecting information from the user.
	ElicitationHandler func(ctx context.Context, req *ClientRequest[*ElicitParams]) (*ElicitResult, error)
	// ToolListChangedHandler, if set, is invoked whenever the server
	// notifies that its tool list changed.
	ToolListChangedHandler func(ctx context.Context, req *ClientRequest[*ToolListChangedParams])
	// ResourceListChangedHandler mirrors ToolListChangedHandler for
	// resources.
	ResourceListChangedHandler func(ctx context.Context, req *ClientRequest[*ResourceListChangedParams])
	// ResourceUpdatedHandler is invoked when a subscribed resource
	// changes.
	ResourceUpdatedHandler func(ctx context.Context, req *ClientRequest[*ResourceUpdatedNotificationParams])
	// PromptListChangedHandler mirrors ToolListChangedHandler for
	// prompts.
	PromptListChangedHandler func(ctx context.Context, req *ClientRequest[*PromptListChangedParams])
	// LoggingMessageHandler receives notifications/message payloads.
	LoggingMessageHandler func(ctx context.Context, req *ClientRequest[*LoggingMessageParams])
	// ProgressNotificationHandler receives notifications/progress
	// payloads for requests this client issued.
	ProgressNotificationHandler func(ctx context.Context, req *ClientRequest[*ProgressNotificationParams])
	// TaskStatusHandler receives notifications/tasks/status payloads for
	// tasks this client created.
	TaskStatusHandler func(ctx context.Context, req *ClientRequest[*TaskStatusNotificationParams])
}

// Client is the client side of the MCP protocol engine (spec §4.3, C3):
// it issues requests to a Server and answers whatever server-initiated
// requests its ClientOptions opted into (sampling, elicitation, roots).
type Client struct {
	impl *Implementation
	opts ClientOptions

	mu    sync.Mutex
	roots []*Root

	sendingMu sync.Mutex
	sending   []Middleware[*ClientSession]
}

// NewClient creates a Client identifying itself with impl.
func NewClient(impl *Implementation, opts *ClientOptions) *Client {
	o := ClientOptions{}
	if opts != nil {
		o = *opts
	}
	return &Client{impl: impl, opts: o}
}

// AddRoots adds to the set of roots this client exposes to a server via
// roots/list and notifications/roots/list_changed.
func (c *Client) AddRoots(roots ...*Root) {
	c.mu.Lock()
	c.roots = append(c.roots, roots...)
	c.mu.Unlock()
}

// AddSendingMiddleware appends to the chain of middleware wrapping every
// inbound request and notification this client handles (sampling,
// elicitation, roots/list, server notifications), in call order (the first
// mw added is outermost). Calls the client issues to the server do not
// pass through this chain.
func (c *Client) AddSendingMiddleware(mw ...Middleware[*ClientSession]) {
	c.sendingMu.Lock()
	defer c.sendingMu.Unlock()
	c.sending = append(c.sending, mw...)
}

func (c *Client) sendingChain() []Middleware[*ClientSession] {
	c.sendingMu.Lock()
	defer c.sendingMu.Unlock()
	return append([]Middleware[*ClientSession](nil), c.sending...)
}

func (c *Client) capabilities() *ClientCapabilities {
	caps := &ClientCapabilities{}
	if c.opts.CreateMessageHandler != nil {
		caps.Sampling = &SamplingCapabilities{}
	}
	if c.opts.ElicitationHandler != nil {
		caps.Elicitation = &ElicitationCapabilities{}
	}
	c.mu.Lock()
	hasRoots := len(c.roots) > 0
	c.mu.Unlock()
	if hasRoots {
		caps.RootsV2 = &RootCapabilities{ListChanged: true}
		caps.Roots.ListChanged = true
	}
	return caps
}

// Connect starts a session with t and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context, t Transport) (*ClientSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cs := newClientSession(c, conn)
	cs.conn = jsonrpc2.NewConn(streamFromConnection(conn), cs.handle)
	go func() {
		err := cs.conn.Run(ctx)
		cs.finish(err)
	}()
	if err := cs.initialize(ctx); err != nil {
		_ = cs.Close()
		return nil, err
	}
	return cs, nil
}
