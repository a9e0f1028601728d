// Package buffer provides the bounded replay queue for session events.
package buffer

import (
	"sync"

	"github.com/collabkit/backend/internal/model"
)

// MessageQueue is a thread-safe FIFO of events buffered for an entity while
// no client is attached. When the queue is full the oldest unpinned entry is
// discarded to make room; pinned entries (terminal execution events) survive
// eviction so a reconnecting client always learns the terminal state.
type MessageQueue struct {
	entries []entry
	cap     int
	dropped int
	mu      sync.Mutex
}

type entry struct {
	ev     *model.Event
	pinned bool
}

// NewMessageQueue creates a MessageQueue with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MessageQueue{cap: capacity}
}

// Push appends an event. If the queue is at capacity, the oldest unpinned
// entry is dropped first.
func (q *MessageQueue) Push(ev *model.Event) {
	q.push(ev, false)
}

// PushPinned appends an event that must survive eviction.
func (q *MessageQueue) PushPinned(ev *model.Event) {
	q.push(ev, true)
}

func (q *MessageQueue) push(ev *model.Event, pinned bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.cap {
		if !q.evictOldestUnpinned() {
			// Every entry is pinned; an unpinned push is dropped outright.
			if !pinned {
				q.dropped++
				return
			}
			// Pinned pushes past a fully pinned queue displace the oldest
			// pinned entry, keeping the newest terminal state.
			q.entries = q.entries[1:]
			q.dropped++
		}
	}
	q.entries = append(q.entries, entry{ev: ev, pinned: pinned})
}

// evictOldestUnpinned removes the oldest unpinned entry, returning false if
// none exists. Caller holds the lock.
func (q *MessageQueue) evictOldestUnpinned() bool {
	for i := range q.entries {
		if !q.entries[i].pinned {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

// Drain removes and returns all queued events in enqueue order. A subsequent
// Drain returns nothing until new events are pushed, so replay never
// duplicates.
func (q *MessageQueue) Drain() []*model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	out := make([]*model.Event, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.ev
	}
	q.entries = nil
	return out
}

// Len returns the current number of queued events.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cap returns the capacity of the queue.
func (q *MessageQueue) Cap() int {
	return q.cap
}

// Dropped returns how many events have been discarded due to the cap.
func (q *MessageQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
