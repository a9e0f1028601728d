package ws

// MessageType represents the type of an inbound WebSocket message.
type MessageType string

const (
	MessageTypeSubscribe       MessageType = "subscribe"
	MessageTypeUnsubscribe     MessageType = "unsubscribe"
	MessageTypePresenceJoin    MessageType = "presence_join"
	MessageTypePresenceLeave   MessageType = "presence_leave"
	MessageTypeStartExecution  MessageType = "start_execution"
	MessageTypeSendMessage     MessageType = "send_message"
	MessageTypePause           MessageType = "pause"
	MessageTypeResume          MessageType = "resume"
	MessageTypeCancel          MessageType = "cancel"
	MessageTypeGetSessionState MessageType = "get_session_state"
	MessageTypeDocUpdate       MessageType = "doc_update"
	MessageTypeDocSave         MessageType = "doc_save"
	MessageTypePing            MessageType = "ping"
)

// Message is the inbound WebSocket message shape. Fields are optional and
// read per message type.
type Message struct {
	Type         MessageType `json:"type"`
	ChannelID    string      `json:"channelId,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	ResourceType string      `json:"resourceType,omitempty"`
	EntityID     string      `json:"entityId,omitempty"`
	WorkspaceID  string      `json:"workspaceId,omitempty"`
	Content      string      `json:"content,omitempty"`
	Context      string      `json:"context,omitempty"`
	Plan         string      `json:"plan,omitempty"`
	DocumentID   string      `json:"documentId,omitempty"`
	Update       []byte      `json:"update,omitempty"`
	RequestID    string      `json:"requestId,omitempty"`
}
