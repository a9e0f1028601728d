// Package registry is the single source of truth for live connections and
// their channel subscriptions.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/model"
)

// Sender delivers raw frames to a connection's transport. Send returns false
// when the transport is not currently writable (closed or backed up); the
// caller treats that as a skipped delivery, never an error.
type Sender interface {
	Send(data []byte) bool
}

// Connection is one active transport session. It is owned exclusively by the
// Registry; other components read it through Registry accessors.
type Connection struct {
	ID        string
	UserID    string
	UserName  string
	UserColor string

	seq      uint64
	sender   Sender
	channels map[string]bool

	// resource is the shared resource this connection is actively viewing,
	// nil when none. joinedAt is when the resource was entered.
	resource *model.ResourceRef
	joinedAt time.Time
}

// Seq returns the registry-assigned registration sequence number, used for
// tie-break ordering.
func (c *Connection) Seq() uint64 {
	return c.seq
}

// Registry tracks live connections and the per-connection subscription set.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[string]map[string]*Connection
	nextSeq  uint64

	// onResourceLeave fires when a connection implicitly leaves its current
	// resource (deregister, or unsubscribe from the resource's scope).
	// channels is the subscription set snapshotted before removal, so leave
	// broadcasts still reach the scopes the connection was part of.
	onResourceLeave func(conn *Connection, ref model.ResourceRef, channels []string)

	log *zap.Logger
}

// New creates an empty Registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]*Connection),
		log:      log,
	}
}

// SetOnResourceLeave sets the hook invoked when a connection implicitly
// leaves its current resource. Must be set before connections register.
func (r *Registry) SetOnResourceLeave(fn func(conn *Connection, ref model.ResourceRef, channels []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResourceLeave = fn
}

// Register adds a connection. It always succeeds; registering an id twice
// replaces the previous entry.
func (r *Registry) Register(connID, userID, userName, userColor string, sender Sender) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	conn := &Connection{
		ID:        connID,
		UserID:    userID,
		UserName:  userName,
		UserColor: userColor,
		seq:       r.nextSeq,
		sender:    sender,
		channels:  make(map[string]bool),
	}
	r.conns[connID] = conn
	r.log.Debug("connection registered",
		zap.String("conn", connID),
		zap.String("user", userID),
		zap.Uint64("seq", conn.seq))
	return conn
}

// Deregister removes the connection from every channel and fires resource
// leave handling. A second call for the same id is a no-op.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	channels := make([]string, 0, len(conn.channels))
	for ch := range conn.channels {
		channels = append(channels, ch)
		r.removeFromChannel(ch, connID)
	}
	ref := conn.resource
	conn.resource = nil
	hook := r.onResourceLeave
	r.mu.Unlock()

	r.log.Debug("connection deregistered", zap.String("conn", connID))
	if ref != nil && hook != nil {
		hook(conn, *ref, channels)
	}
}

// Subscribe adds the connection to a channel. Idempotent.
func (r *Registry) Subscribe(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return model.ErrConnectionNotFound
	}
	if conn.channels[channelID] {
		return nil
	}
	conn.channels[channelID] = true
	if r.channels[channelID] == nil {
		r.channels[channelID] = make(map[string]*Connection)
	}
	r.channels[channelID][connID] = conn
	return nil
}

// Unsubscribe removes the connection from a channel. Unsubscribing from a
// channel the connection never joined is a no-op. If the connection's current
// resource belongs to that channel's scope, resource leave handling fires.
func (r *Registry) Unsubscribe(connID, channelID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return model.ErrConnectionNotFound
	}
	if !conn.channels[channelID] {
		r.mu.Unlock()
		return nil
	}
	channels := make([]string, 0, len(conn.channels))
	for ch := range conn.channels {
		channels = append(channels, ch)
	}
	delete(conn.channels, channelID)
	r.removeFromChannel(channelID, connID)

	// A resource with an empty ChannelID is scoped to no channel: only a
	// deregister detaches it, never a channel unsubscribe.
	var ref *model.ResourceRef
	if conn.resource != nil && conn.resource.ChannelID == channelID {
		ref = conn.resource
		conn.resource = nil
	}
	hook := r.onResourceLeave
	r.mu.Unlock()

	if ref != nil && hook != nil {
		hook(conn, *ref, channels)
	}
	return nil
}

// removeFromChannel drops connID from a channel set. Caller holds the lock.
func (r *Registry) removeFromChannel(channelID, connID string) {
	set := r.channels[channelID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.channels, channelID)
	}
}

// Get returns the connection for an id, or nil.
func (r *Registry) Get(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Connections returns a snapshot of the connections subscribed to a channel.
func (r *Registry) Connections(channelID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[channelID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// ConnectionsForUser returns a snapshot of all live connections for a user.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out
}

// Channels returns a snapshot of the channel ids a connection subscribes to.
func (r *Registry) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conn.channels))
	for ch := range conn.channels {
		out = append(out, ch)
	}
	return out
}

// Resource returns the connection's current resource and when it was joined,
// or ok=false when the connection is not viewing anything.
func (r *Registry) Resource(connID string) (ref model.ResourceRef, joinedAt time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connID]
	if !exists || conn.resource == nil {
		return model.ResourceRef{}, time.Time{}, false
	}
	return *conn.resource, conn.joinedAt, true
}

// SetResource records the resource a connection is viewing. A nil ref clears
// it. Returns the previous ref, if any.
func (r *Registry) SetResource(connID string, ref *model.ResourceRef) (prev *model.ResourceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	prev = conn.resource
	conn.resource = ref
	if ref != nil {
		conn.joinedAt = time.Now()
	}
	return prev
}

// Send delivers raw data to one connection, reporting whether the transport
// accepted it.
func (r *Registry) Send(connID string, data []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok || conn.sender == nil {
		return false
	}
	return conn.sender.Send(data)
}

// SendTo delivers raw data through an already-held connection snapshot.
func (r *Registry) SendTo(conn *Connection, data []byte) bool {
	if conn == nil || conn.sender == nil {
		return false
	}
	return conn.sender.Send(data)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
