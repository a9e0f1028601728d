package engine

import (
	"context"
	"fmt"
	"time"
)

// ScriptedEngine replays a fixed sequence of events. It is the reference
// implementation used by tests and local development.
type ScriptedEngine struct {
	// Steps are emitted in order, with StepDelay between them.
	Steps []Event
	// StepDelay is the pause between steps; zero emits as fast as possible.
	StepDelay time.Duration
	// Err, when non-nil, is returned after all steps have been emitted,
	// failing the execution.
	Err error
	// EchoInput, when set, emits a text chunk echoing each message received
	// on the request input channel after the scripted steps finish.
	EchoInput bool
}

// Execute emits the scripted steps, honoring cancellation between steps.
func (e *ScriptedEngine) Execute(ctx context.Context, req Request, sink Sink) error {
	for _, step := range e.Steps {
		if e.StepDelay > 0 {
			select {
			case <-time.After(e.StepDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		sink.Emit(step)
	}

	if e.Err != nil {
		return e.Err
	}

	if e.EchoInput && req.Input != nil {
		for {
			select {
			case msg, ok := <-req.Input:
				if !ok {
					return nil
				}
				sink.Emit(Event{Kind: EventTextChunk, Text: fmt.Sprintf("echo: %s", msg)})
			case <-ctx.Done():
				return nil
			}
		}
	}

	return nil
}

// NoopEngine completes immediately without emitting anything. It is the
// default engine when no real one is wired.
type NoopEngine struct{}

// Execute returns immediately.
func (NoopEngine) Execute(ctx context.Context, req Request, sink Sink) error {
	return ctx.Err()
}
