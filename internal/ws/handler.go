package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/docsync"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/presence"
	"github.com/collabkit/backend/internal/registry"
	"github.com/collabkit/backend/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// Handler routes inbound WebSocket messages to the collaboration services.
type Handler struct {
	reg      *registry.Registry
	tracker  *presence.Tracker
	bc       *broadcast.Broadcaster
	sessions *session.Manager
	bridge   *docsync.Bridge
	log      *zap.Logger
}

// NewHandler creates a WebSocket message handler.
func NewHandler(reg *registry.Registry, tracker *presence.Tracker, bc *broadcast.Broadcaster, sessions *session.Manager, bridge *docsync.Bridge, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		reg:      reg,
		tracker:  tracker,
		bc:       bc,
		sessions: sessions,
		bridge:   bridge,
		log:      log,
	}
}

// readPump pumps messages from the socket into the handler. It owns
// disconnect cleanup: detach session sinks, release document editor
// references, then deregister so presence leave grace timers start.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.cleanup(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read failed",
					zap.String("conn", client.connID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("malformed message",
				zap.String("conn", client.connID), zap.Error(err))
			h.sendError(client, "", "malformed message")
			continue
		}

		h.handleMessage(client, &msg)
	}
}

// writePump pumps queued messages to the socket and keeps the connection
// alive with pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Flush anything already queued, one frame per message.
			n := len(client.send)
			for i := 0; i < n; i++ {
				queued := <-client.send
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) cleanup(client *Client) {
	for _, entityID := range client.trackedSessions() {
		h.sessions.DetachSink(entityID, client.sinkRef())
	}
	for _, docID := range client.trackedDocs() {
		if err := h.bridge.RemoveEditor(context.Background(), docID); err != nil {
			h.log.Warn("editor release failed",
				zap.String("document", docID), zap.Error(err))
		}
	}
	h.reg.Deregister(client.connID)
}

// handleMessage dispatches one inbound message. Unknown types get a direct
// error event; the connection stays open.
func (h *Handler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		h.handleSubscribe(client, msg)
	case MessageTypeUnsubscribe:
		h.handleUnsubscribe(client, msg)
	case MessageTypePresenceJoin:
		h.handlePresenceJoin(client, msg)
	case MessageTypePresenceLeave:
		h.handlePresenceLeave(client, msg)
	case MessageTypeStartExecution:
		h.handleStartExecution(client, msg)
	case MessageTypeSendMessage:
		h.handleSendMessage(client, msg)
	case MessageTypePause:
		h.handlePause(client, msg)
	case MessageTypeResume:
		h.handleResume(client, msg)
	case MessageTypeCancel:
		h.handleCancel(client, msg)
	case MessageTypeGetSessionState:
		h.handleGetSessionState(client, msg)
	case MessageTypeDocUpdate:
		h.handleDocUpdate(client, msg)
	case MessageTypeDocSave:
		h.handleDocSave(client, msg)
	case MessageTypePing:
		h.sendEvent(client, &model.Event{Type: model.EventTypePong, RequestID: msg.RequestID})
	default:
		h.log.Warn("unknown message type",
			zap.String("conn", client.connID), zap.String("type", string(msg.Type)))
		h.sendError(client, msg.RequestID, "unknown message type: "+string(msg.Type))
	}
}

// handleSubscribe joins a channel and replies with the channel's presence
// snapshot, so new subscribers render current occupants without waiting for
// join events.
func (h *Handler) handleSubscribe(client *Client, msg *Message) {
	if msg.ChannelID == "" {
		h.sendError(client, msg.RequestID, "subscribe requires channelId")
		return
	}
	if err := h.reg.Subscribe(client.connID, msg.ChannelID); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.sendEvent(client, &model.Event{
		Type:      model.EventTypePresenceSync,
		Timestamp: time.Now(),
		Presence:  h.tracker.Snapshot(msg.ChannelID),
		RequestID: msg.RequestID,
	})
}

func (h *Handler) handleUnsubscribe(client *Client, msg *Message) {
	if msg.ChannelID == "" {
		h.sendError(client, msg.RequestID, "unsubscribe requires channelId")
		return
	}
	if err := h.reg.Unsubscribe(client.connID, msg.ChannelID); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.ack(client, msg.RequestID)
}

func (h *Handler) handlePresenceJoin(client *Client, msg *Message) {
	if msg.ResourceID == "" {
		h.sendError(client, msg.RequestID, "presence_join requires resourceId")
		return
	}
	ref := model.ResourceRef{
		ResourceID:   msg.ResourceID,
		ResourceType: msg.ResourceType,
		ChannelID:    msg.ChannelID,
	}

	h.releaseStaleEditor(client, ref)

	if err := h.tracker.Join(client.connID, ref); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}

	if ref.ResourceType == "document" && client.trackDoc(ref.ResourceID) {
		if err := h.bridge.AddEditor(context.Background(), ref.ResourceID); err != nil {
			client.untrackDoc(ref.ResourceID)
			h.log.Warn("editor attach failed",
				zap.String("document", ref.ResourceID), zap.Error(err))
		}
	}
	h.ack(client, msg.RequestID)
}

// releaseStaleEditor drops the editor reference held for the previously
// viewed document when the client moves to a different resource.
func (h *Handler) releaseStaleEditor(client *Client, next model.ResourceRef) {
	prev, _, ok := h.reg.Resource(client.connID)
	if !ok || prev.ResourceType != "document" || prev.Equal(next) {
		return
	}
	if client.untrackDoc(prev.ResourceID) {
		if err := h.bridge.RemoveEditor(context.Background(), prev.ResourceID); err != nil {
			h.log.Warn("editor release failed",
				zap.String("document", prev.ResourceID), zap.Error(err))
		}
	}
}

func (h *Handler) handlePresenceLeave(client *Client, msg *Message) {
	prev, _, ok := h.reg.Resource(client.connID)
	h.tracker.Leave(client.connID)
	if ok && prev.ResourceType == "document" && client.untrackDoc(prev.ResourceID) {
		if err := h.bridge.RemoveEditor(context.Background(), prev.ResourceID); err != nil {
			h.log.Warn("editor release failed",
				zap.String("document", prev.ResourceID), zap.Error(err))
		}
	}
	h.ack(client, msg.RequestID)
}

// handleStartExecution launches an execution and attaches the caller as the
// live event sink.
func (h *Handler) handleStartExecution(client *Client, msg *Message) {
	if msg.EntityID == "" {
		h.sendError(client, msg.RequestID, "start_execution requires entityId")
		return
	}
	conn := h.reg.Get(client.connID)
	if conn == nil {
		h.sendError(client, msg.RequestID, "connection not registered")
		return
	}

	sess, err := h.sessions.StartExecution(session.StartRequest{
		EntityID:    msg.EntityID,
		WorkspaceID: msg.WorkspaceID,
		OwnerUserID: conn.UserID,
		Context:     msg.Context,
		Plan:        msg.Plan,
	})
	if err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}

	if _, err := h.sessions.RegisterClient(msg.EntityID, client.sinkRef()); err == nil {
		client.trackSession(msg.EntityID)
	}
	h.sendEvent(client, &model.Event{
		Type:      model.EventTypeSessionState,
		EntityID:  msg.EntityID,
		Timestamp: time.Now(),
		Session:   sess,
		Status:    sess.Status,
		RequestID: msg.RequestID,
	})
}

func (h *Handler) handleSendMessage(client *Client, msg *Message) {
	if msg.EntityID == "" || msg.Content == "" {
		h.sendError(client, msg.RequestID, "send_message requires entityId and content")
		return
	}
	if err := h.sessions.SendMessage(context.Background(), msg.EntityID, msg.Content, msg.Context); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.ack(client, msg.RequestID)
}

func (h *Handler) handlePause(client *Client, msg *Message) {
	if err := h.sessions.Pause(msg.EntityID); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.ack(client, msg.RequestID)
}

func (h *Handler) handleResume(client *Client, msg *Message) {
	if err := h.sessions.Resume(msg.EntityID); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.ack(client, msg.RequestID)
}

// handleCancel detaches the client from the execution's event stream. The
// execution itself keeps running server-side. The detach is identity-checked
// so a connection that never attached cannot stop delivery to the one that
// did.
func (h *Handler) handleCancel(client *Client, msg *Message) {
	h.sessions.DetachSink(msg.EntityID, client.sinkRef())
	client.untrackSession(msg.EntityID)
	h.ack(client, msg.RequestID)
}

// handleGetSessionState attaches the client to an entity's session, replays
// the queued backlog, and replies with a state snapshot.
func (h *Handler) handleGetSessionState(client *Client, msg *Message) {
	if msg.EntityID == "" {
		h.sendError(client, msg.RequestID, "get_session_state requires entityId")
		return
	}
	sess, err := h.sessions.RegisterClient(msg.EntityID, client.sinkRef())
	if err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	client.trackSession(msg.EntityID)
	h.sendEvent(client, &model.Event{
		Type:      model.EventTypeSessionState,
		EntityID:  msg.EntityID,
		Timestamp: time.Now(),
		Session:   sess,
		Status:    sess.Status,
		RequestID: msg.RequestID,
	})
}

// handleDocUpdate applies a CRDT update and rebroadcasts it on the channel.
// Apply is idempotent, so the sender receiving its own update back is
// harmless.
func (h *Handler) handleDocUpdate(client *Client, msg *Message) {
	if msg.DocumentID == "" || len(msg.Update) == 0 {
		h.sendError(client, msg.RequestID, "doc_update requires documentId and update")
		return
	}
	if err := h.bridge.ApplyUpdate(context.Background(), msg.DocumentID, msg.Update); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}

	payload, err := json.Marshal(msg.Update)
	if err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	if msg.ChannelID != "" {
		h.bc.Broadcast(msg.ChannelID, &model.Event{
			Type:       model.EventTypeDocUpdate,
			DocumentID: msg.DocumentID,
			Timestamp:  time.Now(),
			Data:       payload,
		})
	}
	h.ack(client, msg.RequestID)
}

func (h *Handler) handleDocSave(client *Client, msg *Message) {
	if msg.DocumentID == "" {
		h.sendError(client, msg.RequestID, "doc_save requires documentId")
		return
	}
	if err := h.bridge.FlushToPlainText(context.Background(), msg.DocumentID); err != nil {
		h.sendError(client, msg.RequestID, err.Error())
		return
	}
	h.ack(client, msg.RequestID)
}

func (h *Handler) ack(client *Client, requestID string) {
	if requestID == "" {
		return
	}
	h.sendEvent(client, &model.Event{Type: model.EventTypeAck, RequestID: requestID})
}

func (h *Handler) sendError(client *Client, requestID, errMsg string) {
	h.sendEvent(client, &model.Event{
		Type:      model.EventTypeError,
		Timestamp: time.Now(),
		Error:     errMsg,
		RequestID: requestID,
	})
}

func (h *Handler) sendEvent(client *Client, ev *model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", zap.Error(err))
		return
	}
	client.Send(data)
}

// clientSink adapts a Client to the session manager's event sink.
type clientSink struct {
	client *Client
}

func (s *clientSink) Deliver(ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if !s.client.Send(data) {
		return model.ErrConnectionNotFound
	}
	return nil
}
