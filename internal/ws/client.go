package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client wraps one WebSocket connection. Outbound messages go through a
// buffered send channel drained by the write pump; a full buffer marks the
// client closed instead of blocking the sender, so one slow consumer never
// stalls a broadcast.
type Client struct {
	connID string
	conn   *websocket.Conn
	send   chan []byte

	mu       sync.Mutex
	closed   bool
	sink     *clientSink
	sessions map[string]bool
	docs     map[string]bool
}

// sinkRef returns this client's session event sink. The same value is
// returned every call, so identity-checked detach on disconnect works.
func (c *Client) sinkRef() *clientSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		c.sink = &clientSink{client: c}
	}
	return c.sink
}

// NewClient creates a client for an upgraded connection.
func NewClient(connID string, conn *websocket.Conn) *Client {
	return &Client{
		connID:   connID,
		conn:     conn,
		send:     make(chan []byte, 256),
		sessions: make(map[string]bool),
		docs:     make(map[string]bool),
	}
}

// ConnID returns the connection ID assigned at registration.
func (c *Client) ConnID() string {
	return c.connID
}

// Send queues data for the write pump. It reports false when the client is
// closed or its buffer is full, in which case the client is closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Close closes the send channel. The write pump exits and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// trackSession records that this client is attached to an entity's session,
// so disconnect can detach it.
func (c *Client) trackSession(entityID string) {
	c.mu.Lock()
	c.sessions[entityID] = true
	c.mu.Unlock()
}

func (c *Client) untrackSession(entityID string) {
	c.mu.Lock()
	delete(c.sessions, entityID)
	c.mu.Unlock()
}

func (c *Client) trackedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// trackDoc records that this client holds an editor reference on a document.
func (c *Client) trackDoc(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs[documentID] {
		return false
	}
	c.docs[documentID] = true
	return true
}

func (c *Client) untrackDoc(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.docs[documentID] {
		return false
	}
	delete(c.docs, documentID)
	return true
}

func (c *Client) trackedDocs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	return out
}
