package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcprt/corerpc/internal/jsonrpc2"
)

// protocolVersion is the version of the Model Context Protocol this
// package implements (spec §2, 2025-06-18 revision).
const protocolVersion = "2025-06-18"

// CompletionHandler answers a completion/complete request for a prompt
// argument or resource template variable.
type CompletionHandler func(ctx context.Context, req *ServerRequest[*CompleteParams]) (*CompleteResult, error)

// ServerOptions configures a [Server]. The zero value is a server with no
// tasks, no completion support, and an unbounded (single-page) listing of
// every registered tool/resource/prompt.
type ServerOptions struct {
	// Instructions are returned in InitializeResult to help a client (or
	// the model behind it) understand how to use this server.
	Instructions string
	// PageSize bounds how many items a single tools/list, resources/list,
	// resources/templates/list, or prompts/list response returns before a
	// cursor is handed back. Zero means unbounded (a single page).
	PageSize int
	// Logging, if true, advertises the logging capability, letting
	// clients call logging/setLevel and receive notifications/message.
	Logging bool
	// Completions, if set, advertises completion support and answers
	// completion/complete requests.
	Completions CompletionHandler
	// Tasks, if set, advertises task subsystem support (spec §4.7, C7/C8).
	// A nil Tasks means the task-augmented tools/call path and the
	// tasks/* methods are all disabled regardless of TaskStore/
	// MessageQueue.
	Tasks *TasksCapability
	// TaskStore persists task records; defaults to [MemoryTaskStore].
	TaskStore TaskStore
	// MessageQueue buffers each task's side-channel messages (requests its
	// handler issues, and status notifications that could not be sent)
	// until tasks/result delivers them; defaults to [MemoryMessageQueue].
	MessageQueue MessageQueue
	// MaxTaskQueueSize bounds how many side-channel messages a single
	// task's MessageQueue entry may hold before further Enqueue calls are
	// rejected. Zero means [defaultMaxQueueSize].
	MaxTaskQueueSize int
	// SessionStore persists session state so that a session's requests can
	// be routed to any instance in a horizontally scaled deployment (spec
	// §4.5, C5). Defaults to [MemorySessionStore], which only offers
	// within-process recovery.
	SessionStore SessionStore
}

// Server is the MCP-specific protocol engine (spec §4.3, C3) built on top
// of [jsonrpc2.Conn]: it owns the registries of tools, resources,
// resource templates, and prompts a client can discover and invoke, and
// dispatches every inbound method to the handler that serves it, after
// checking capability negotiation and running the receiving middleware
// chain.
type Server struct {
	impl *Implementation
	opts ServerOptions

	mu                sync.Mutex
	tools             *toolSet
	resources         *resourceSet
	resourceTemplates *resourceTemplateSet
	prompts           *promptSet
	subscriptions     map[string]map[*ServerSession]bool

	tasks *taskRunner

	receivingMu sync.Mutex
	receiving   []Middleware[*ServerSession]

	sessionsMu sync.Mutex
	sessions   map[*ServerSession]bool
}

// NewServer creates a Server identifying itself with impl. A nil opts is
// equivalent to &ServerOptions{}.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	o := ServerOptions{}
	if opts != nil {
		o = *opts
	}
	return &Server{
		impl:              impl,
		opts:              o,
		tools:             newToolSet(),
		resources:         newResourceSet(),
		resourceTemplates: newResourceTemplateSet(),
		prompts:           newPromptSet(),
		subscriptions:     make(map[string]map[*ServerSession]bool),
		tasks:             newTaskRunner(),
		sessions:          make(map[*ServerSession]bool),
	}
}

func (s *Server) taskStore() TaskStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.TaskStore == nil {
		s.opts.TaskStore = NewMemoryTaskStore()
	}
	return s.opts.TaskStore
}

func (s *Server) messageQueue() MessageQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.MessageQueue == nil {
		s.opts.MessageQueue = NewMemoryMessageQueue()
	}
	return s.opts.MessageQueue
}

// defaultMaxQueueSize bounds a task's side-channel queue when
// ServerOptions.MaxTaskQueueSize is left at zero.
const defaultMaxQueueSize = 64

func (s *Server) maxTaskQueueSize() int {
	if s.opts.MaxTaskQueueSize > 0 {
		return s.opts.MaxTaskQueueSize
	}
	return defaultMaxQueueSize
}

func (s *Server) sessionStore() SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.SessionStore == nil {
		s.opts.SessionStore = NewMemorySessionStore()
	}
	return s.opts.SessionStore
}

// adoptSession reconstructs a local ServerSession from session state found
// in the configured SessionStore but not yet held by this process (spec
// §4.5 "cross-pod recovery"): a streamable-HTTP request carrying a known
// Mcp-Session-Id that this instance has never seen locally is otherwise
// indistinguishable from a stale or forged one.
func (s *Server) adoptSession(ctx context.Context, conn Connection, sessionID string) (*ServerSession, error) {
	state, err := s.sessionStore().Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ss := newServerSession(s, conn)
	ss.mu.Lock()
	ss.id = sessionID
	if state.InitializeParams != nil {
		ss.clientCaps = state.InitializeParams.Capabilities
		ss.clientInfo = state.InitializeParams.ClientInfo
	}
	ss.logLevel = state.LogLevel
	ss.initialized = state.Initialized
	ss.mu.Unlock()

	s.sessionsMu.Lock()
	s.sessions[ss] = true
	s.sessionsMu.Unlock()

	ss.conn = jsonrpc2.NewConn(streamFromConnection(conn), ss.handle)
	go func() {
		err := ss.conn.Run(ctx)
		s.sessionsMu.Lock()
		delete(s.sessions, ss)
		s.sessionsMu.Unlock()
		ss.finish(err)
	}()
	return ss, nil
}

// capabilities computes the ServerCapabilities advertised during
// initialize, derived from what is actually registered: a server that
// never adds a tool never claims tools support, so a client can rely on
// capability presence as ground truth rather than documentation.
func (s *Server) capabilities() *ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := &ServerCapabilities{}
	if s.tools.len() > 0 {
		caps.Tools = &ToolCapabilities{ListChanged: true}
	}
	if s.prompts.len() > 0 {
		caps.Prompts = &PromptCapabilities{ListChanged: true}
	}
	if s.resources.len() > 0 || s.resourceTemplates.len() > 0 {
		caps.Resources = &ResourceCapabilities{ListChanged: true, Subscribe: true}
	}
	if s.opts.Logging {
		caps.Logging = &LoggingCapabilities{}
	}
	if s.opts.Completions != nil {
		caps.Completions = &CompletionCapabilities{}
	}
	if s.opts.Tasks != nil {
		caps.Tasks = s.opts.Tasks
	}
	return caps
}

// AddTool registers a tool taking raw, pre-validated JSON arguments. Most
// callers prefer the generic [AddTool] function, which infers a JSON
// schema from a Go type.
func (s *Server) AddTool(t *Tool, h ToolHandler) error {
	st, err := newServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	s.tools.add(st)
	s.mu.Unlock()
	s.notifyAll(notificationToolListChanged, &ToolListChangedParams{})
	return nil
}

// AddTool registers a tool whose arguments and (optionally) structured
// result are typed Go values: the input (and output, if Out is not any)
// JSON schema is inferred via github.com/google/jsonschema-go.
func AddTool[In, Out any](s *Server, t *Tool, h TypedToolHandler[In, Out]) error {
	st, err := newTypedServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	s.tools.add(st)
	s.mu.Unlock()
	s.notifyAll(notificationToolListChanged, &ToolListChangedParams{})
	return nil
}

// RemoveTool unregisters the named tools. Unknown names are ignored.
func (s *Server) RemoveTool(names ...string) {
	s.mu.Lock()
	for _, n := range names {
		s.tools.remove(n)
	}
	s.mu.Unlock()
	s.notifyAll(notificationToolListChanged, &ToolListChangedParams{})
}

// AddResource registers a static resource at r.URI.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	s.mu.Lock()
	s.resources.add(&serverResource{resource: r, handler: h})
	s.mu.Unlock()
	s.notifyAll(notificationResourceListChanged, &ResourceListChangedParams{})
}

// RemoveResource unregisters the resource at uri.
func (s *Server) RemoveResource(uri string) {
	s.mu.Lock()
	s.resources.remove(uri)
	s.mu.Unlock()
	s.notifyAll(notificationResourceListChanged, &ResourceListChangedParams{})
}

// AddResourceTemplate registers a [ResourceTemplate] (spec §5.2): any
// resources/read whose URI matches t.URITemplate is routed to h with the
// variable bindings the match produced discoverable by the handler via
// req.Params.URI.
func (s *Server) AddResourceTemplate(t *ResourceTemplate, h ResourceHandler) error {
	srt, err := newServerResourceTemplate(t, h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.resourceTemplates.add(srt)
	s.mu.Unlock()
	s.notifyAll(notificationResourceListChanged, &ResourceListChangedParams{})
	return nil
}

// RemoveResourceTemplate unregisters the named resource template.
func (s *Server) RemoveResourceTemplate(name string) {
	s.mu.Lock()
	s.resourceTemplates.remove(name)
	s.mu.Unlock()
	s.notifyAll(notificationResourceListChanged, &ResourceListChangedParams{})
}

// AddPrompt registers a prompt.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	s.mu.Lock()
	s.prompts.add(&serverPrompt{prompt: p, handler: h})
	s.mu.Unlock()
	s.notifyAll(notificationPromptListChanged, &PromptListChangedParams{})
}

// RemovePrompt unregisters the named prompt.
func (s *Server) RemovePrompt(name string) {
	s.mu.Lock()
	s.prompts.remove(name)
	s.mu.Unlock()
	s.notifyAll(notificationPromptListChanged, &PromptListChangedParams{})
}

// AddReceivingMiddleware appends to the chain of middleware wrapping every
// inbound method this server handles, in call order (the first mw added
// is outermost).
func (s *Server) AddReceivingMiddleware(mw ...Middleware[*ServerSession]) {
	s.receivingMu.Lock()
	defer s.receivingMu.Unlock()
	s.receiving = append(s.receiving, mw...)
}

func (s *Server) receivingChain() []Middleware[*ServerSession] {
	s.receivingMu.Lock()
	defer s.receivingMu.Unlock()
	return append([]Middleware[*ServerSession](nil), s.receiving...)
}

// notifyAll best-effort notifies every connected, initialized session of
// a list-changed event. A session that fails to receive it (disconnected)
// is simply skipped: list-changed notifications are a convenience, not a
// durability guarantee like task status is.
func (s *Server) notifyAll(method string, params Params) {
	s.sessionsMu.Lock()
	sessions := make([]*ServerSession, 0, len(s.sessions))
	for ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.sessionsMu.Unlock()
	for _, ss := range sessions {
		if ss.isInitialized() {
			_ = ss.notify(context.Background(), method, params)
		}
	}
}

// Connect starts serving t as a new session. The returned ServerSession
// is usable immediately (e.g. to track it for external bookkeeping), but
// method dispatch only begins once the underlying connection starts
// reading, which Connect arranges on its own goroutine.
func (s *Server) Connect(ctx context.Context, t Transport) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := newServerSession(s, conn)
	s.sessionsMu.Lock()
	s.sessions[ss] = true
	s.sessionsMu.Unlock()

	ss.conn = jsonrpc2.NewConn(streamFromConnection(conn), ss.handle)
	go func() {
		err := ss.conn.Run(ctx)
		s.sessionsMu.Lock()
		delete(s.sessions, ss)
		s.sessionsMu.Unlock()
		ss.finish(err)
	}()
	return ss, nil
}

// Run connects t and blocks until the resulting session's connection
// closes, returning the error (if any) that ended it.
func (s *Server) Run(ctx context.Context, t Transport) error {
	ss, err := s.Connect(ctx, t)
	if err != nil {
		return err
	}
	return ss.Wait()
}

// streamFromConnection adapts a Connection to jsonrpc2.Stream. The two
// interfaces share an identical method set operating on the same
// internal/json.RawMessage type, so the adaptation is a direct pass
// through rather than a wrapper — this function exists only to make that
// fact a named, searchable step rather than an implicit interface
// satisfaction a reader has to notice on their own.
func streamFromConnection(c Connection) jsonrpc2.Stream { return connStream{c} }

type connStream struct{ Connection }

var _ jsonrpc2.Stream = connStream{}
