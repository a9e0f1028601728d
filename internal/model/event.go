package model

import (
	"encoding/json"
	"time"
)

// EventType represents the type of an outbound realtime event.
type EventType string

const (
	EventTypePresenceJoin      EventType = "presence_join"
	EventTypePresenceLeave     EventType = "presence_leave"
	EventTypePresenceSync      EventType = "presence_sync"
	EventTypeSessionState      EventType = "session_state"
	EventTypeTextChunk         EventType = "text_chunk"
	EventTypeToolUseStart      EventType = "tool_use_start"
	EventTypeToolUseEnd        EventType = "tool_use_end"
	EventTypeTaskComplete      EventType = "task_complete"
	EventTypePhaseComplete     EventType = "phase_complete"
	EventTypeExecutionComplete EventType = "execution_complete"
	EventTypeError             EventType = "error"
	EventTypeTokenUsage        EventType = "token_usage"
	EventTypeResourceUpdate    EventType = "resource_update"
	EventTypeDocUpdate         EventType = "doc_update"
	EventTypeAck               EventType = "ack"
	EventTypePong              EventType = "pong"
)

// Event is the single outbound message shape sent to clients. Fields are
// optional and populated per event type. An Event buffered while no client is
// attached doubles as the queued-message record: MessageID and Timestamp are
// assigned when the event is produced, so replay preserves identity and order.
type Event struct {
	Type         EventType         `json:"type"`
	MessageID    string            `json:"messageId,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
	EntityID     string            `json:"entityId,omitempty"`
	ResourceID   string            `json:"resourceId,omitempty"`
	ResourceType string            `json:"resourceType,omitempty"`
	DocumentID   string            `json:"documentId,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	UserName     string            `json:"userName,omitempty"`
	UserColor    string            `json:"userColor,omitempty"`
	JoinedAt     *time.Time        `json:"joinedAt,omitempty"`
	Presence     []PresenceRecord  `json:"presence,omitempty"`
	Session      *ExecutionSession `json:"session,omitempty"`
	Status       SessionStatus     `json:"status,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Text         string            `json:"text,omitempty"`
	ToolName     string            `json:"toolName,omitempty"`
	ToolID       string            `json:"toolId,omitempty"`
	TaskID       string            `json:"taskId,omitempty"`
	PhaseID      string            `json:"phaseId,omitempty"`
	InputTokens  int               `json:"inputTokens,omitempty"`
	OutputTokens int               `json:"outputTokens,omitempty"`
	Error        string            `json:"error,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`
}

// Terminal reports whether the event closes an execution stream. Terminal
// events are pinned in the replay queue so eviction never drops them.
func (e *Event) Terminal() bool {
	return e.Type == EventTypeExecutionComplete || (e.Type == EventTypeError && e.EntityID != "")
}
