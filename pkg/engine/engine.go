// Package engine re-exports the execution engine contract for external
// implementations.
package engine

import (
	"github.com/collabkit/backend/internal/engine"
)

// Re-export types from internal/engine for external use
type (
	Engine    = engine.Engine
	Event     = engine.Event
	EventKind = engine.EventKind
	Request   = engine.Request
	Sink      = engine.Sink
	SinkFunc  = engine.SinkFunc
)

const (
	EventTextChunk     = engine.EventTextChunk
	EventToolUseStart  = engine.EventToolUseStart
	EventToolUseEnd    = engine.EventToolUseEnd
	EventTaskComplete  = engine.EventTaskComplete
	EventPhaseComplete = engine.EventPhaseComplete
	EventTokenUsage    = engine.EventTokenUsage
	EventBlocked       = engine.EventBlocked
)

// NewScriptedEngine creates an engine that replays the given events.
func NewScriptedEngine(steps []Event) *engine.ScriptedEngine {
	return &engine.ScriptedEngine{Steps: steps}
}

// NewNoopEngine creates an engine that completes immediately.
func NewNoopEngine() Engine {
	return engine.NoopEngine{}
}
