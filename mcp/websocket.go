package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcprt/corerpc/internal/json"
)

// WebSocketClientTransport dials a WebSocket server and speaks the "mcp"
// subprotocol over it, framing each JSON-RPC envelope as one WebSocket
// text message (spec §4.2, an alternate C2 implementation alongside
// streamable-HTTP and stdio).
type WebSocketClientTransport struct {
	// URL is the WebSocket server URL (e.g. "ws://localhost:8080/mcp").
	URL string
	// Dialer is used to establish the connection. A nil Dialer uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header carries additional HTTP headers for the handshake.
	Header http.Header
}

// Connect dials the configured URL.
func (t *WebSocketClientTransport) Connect(ctx context.Context) (Connection, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{"mcp"}

	conn, resp, err := d.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("mcp: websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("mcp: websocket dial: %w", err)
	}
	return &websocketConn{conn: conn, sessionID: randText()}, nil
}

// websocketConn implements Connection over a gorilla/websocket connection,
// framing each JSON-RPC envelope as one text message.
type websocketConn struct {
	conn      *websocket.Conn
	sessionID string

	mu        sync.Mutex // serializes Write, per spec §5
	closeOnce sync.Once
}

// Read blocks for the next text message and returns its raw JSON-RPC
// payload.
func (c *websocketConn) Read(ctx context.Context) (json.RawMessage, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("mcp: websocket read: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("mcp: unexpected websocket message type %d, want text", messageType)
	}
	return json.RawMessage(data), nil
}

// Write sends msg as a single text message.
func (c *websocketConn) Write(ctx context.Context, msg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("mcp: websocket write: %w", err)
	}
	return nil
}

// Close closes the underlying WebSocket connection.
func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// SessionID returns the local session identifier assigned at Connect
// time (WebSocket carries no Mcp-Session-Id header of its own).
func (c *websocketConn) SessionID() string { return c.sessionID }

// WebSocketServerTransport upgrades incoming HTTP requests to WebSocket
// connections speaking the "mcp" subprotocol. It is an http.Handler;
// mount it at the server's endpoint alongside (or instead of) the
// streamable-HTTP transport.
type WebSocketServerTransport struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending chan Connection
}

// NewWebSocketServerTransport creates a transport ready to be mounted as
// an http.Handler and then passed to Server.Connect for each accepted
// connection. ServeHTTP hands each connection it upgrades to Connect;
// Accept wraps a connection the caller upgraded itself.
func NewWebSocketServerTransport() *WebSocketServerTransport {
	return &WebSocketServerTransport{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mcp"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		pending: make(chan Connection, 1),
	}
}

// ServeHTTP upgrades the request and hands the resulting Connection to
// whichever goroutine is blocked in Connect.
func (t *WebSocketServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("mcp: websocket upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	t.pending <- &websocketConn{conn: conn, sessionID: randText()}
}

// Connect implements Transport by waiting for the next connection
// ServeHTTP upgrades.
func (t *WebSocketServerTransport) Connect(ctx context.Context) (Connection, error) {
	select {
	case c := <-t.pending:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept wraps an already-upgraded WebSocket connection as a Connection,
// for callers that perform the upgrade themselves rather than mounting
// ServeHTTP directly.
func (t *WebSocketServerTransport) Accept(conn *websocket.Conn) Connection {
	return &websocketConn{conn: conn, sessionID: randText()}
}
