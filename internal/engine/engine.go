// Package engine defines the execution engine abstraction the session
// manager drives. The engine produces a stream of typed events; model
// invocation itself lives behind this interface.
package engine

import "context"

// EventKind classifies an execution event.
type EventKind string

const (
	EventTextChunk     EventKind = "text_chunk"
	EventToolUseStart  EventKind = "tool_use_start"
	EventToolUseEnd    EventKind = "tool_use_end"
	EventTaskComplete  EventKind = "task_complete"
	EventPhaseComplete EventKind = "phase_complete"
	EventTokenUsage    EventKind = "token_usage"

	// EventBlocked signals the execution is waiting on external input. The
	// session transitions to blocked until a resume arrives.
	EventBlocked EventKind = "blocked"
)

// Event is one unit of execution output. Fields are populated per kind.
type Event struct {
	Kind         EventKind
	Text         string
	ToolName     string
	ToolID       string
	TaskID       string
	PhaseID      string
	InputTokens  int
	OutputTokens int
}

// Sink receives execution events as they are produced. Implementations must
// not block for long; the session manager owns buffering and fan-out.
type Sink interface {
	Emit(ev Event)
}

// Request describes one execution run.
type Request struct {
	EntityID    string
	WorkspaceID string
	OwnerUserID string
	Context     string
	Plan        string

	// Input carries user messages sent while the execution runs. Engines
	// that do not converse may ignore it.
	Input <-chan string
}

// Engine runs one execution to completion, emitting events through the sink.
// Execute returns when the execution finishes, fails, or ctx is cancelled.
// A nil return means the execution completed; a non-nil error marks the
// session as failed.
type Engine interface {
	Execute(ctx context.Context, req Request, sink Sink) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Emit calls the wrapped function.
func (f SinkFunc) Emit(ev Event) { f(ev) }
