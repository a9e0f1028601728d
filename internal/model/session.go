package model

import "time"

// SessionStatus represents the status of an execution session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusBlocked   SessionStatus = "blocked"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// ExecutionSession is the server-side record of one long-running execution
// tied to an entity. It lives in memory for the lifetime of the process and
// survives client disconnects; it is not required to survive a restart.
type ExecutionSession struct {
	EntityID     string        `json:"entityId"`
	WorkspaceID  string        `json:"workspaceId"`
	OwnerUserID  string        `json:"ownerUserId"`
	Status       SessionStatus `json:"status"`
	Context      string        `json:"context,omitempty"`
	Plan         string        `json:"plan,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	QueuedCount  int           `json:"queuedCount"`
}

// Entity is the metadata record execution contexts are rehydrated from when a
// send_message arrives without one.
type Entity struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Plan        string    `json:"plan,omitempty"`
	Context     string    `json:"context,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Document is the metadata plus plain-text content of a collaborative
// document. The plain text is the durable source of truth at rest.
type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
