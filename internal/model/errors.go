package model

import "errors"

var (
	// ErrAlreadyRunning is returned when starting an execution for an entity
	// that already has one running.
	ErrAlreadyRunning = errors.New("execution already running for entity")

	// ErrMissingContext is returned when a message cannot be handled because
	// no execution context was supplied and none is recoverable.
	ErrMissingContext = errors.New("no execution context available")

	// ErrSessionNotFound is returned when no session exists for an entity.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEntityNotFound is returned when an entity is not found.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDocumentNotFound is returned when a document is not found.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrConnectionNotFound is returned when a connection id is unknown.
	ErrConnectionNotFound = errors.New("connection not found")
)
