// Package journal records execution event streams as JSON-Lines files, one
// file per entity, for later inspection.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/collabkit/backend/internal/model"
)

// Header is the first line of a journal file.
type Header struct {
	Version   int    `json:"version"`
	EntityID  string `json:"entityId"`
	Workspace string `json:"workspaceId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Entry is a single recorded event.
// Format: [time_offset_seconds, event_type, event_json]
type Entry struct {
	TimeOffset float64
	EventType  string
	Data       json.RawMessage
}

// MarshalJSON implements custom JSON marshaling for Entry.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Entry.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid entry format: expected 3 elements, got %d", len(arr))
	}

	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.EventType); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	e.Data = arr[2]
	return nil
}

// Journal appends execution events for one entity to a JSONL file.
type Journal struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// New creates a Journal writing to dir/<entityID>.jsonl and writes the
// header line.
func New(dir, entityID, workspaceID string) (*Journal, error) {
	file, err := os.Create(filepath.Join(dir, entityID+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to create journal file: %w", err)
	}

	j := &Journal{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}
	if err := j.writeHeader(entityID, workspaceID); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// NewWithWriter creates a Journal writing to the given writer. Useful for
// testing.
func NewWithWriter(w io.Writer, entityID, workspaceID string) (*Journal, error) {
	j := &Journal{
		writer:    w,
		startTime: time.Now(),
	}
	if err := j.writeHeader(entityID, workspaceID); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeader(entityID, workspaceID string) error {
	header := Header{
		Version:   1,
		EntityID:  entityID,
		Workspace: workspaceID,
		Timestamp: j.startTime.Unix(),
	}
	return j.writeLine(header)
}

// Record appends one event to the journal.
func (j *Journal) Record(ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	offset := time.Since(j.startTime).Seconds()
	j.mu.Unlock()

	return j.writeLine(Entry{
		TimeOffset: offset,
		EventType:  string(ev.Type),
		Data:       data,
	})
}

func (j *Journal) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal journal line: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal line: %w", err)
	}
	return nil
}

// Close closes the underlying file if the journal owns one.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}
