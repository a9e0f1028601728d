// Package presence tracks which users are viewing which shared resources,
// with debounced leave semantics to absorb rapid reconnects.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/registry"
)

// DefaultGrace is the leave debounce window used when none is configured.
const DefaultGrace = time.Second

// Tracker implements the per-(user, resource) presence state machine:
// NotViewing -> Viewing -> (PendingLeave) -> NotViewing. Leaves are held for
// a grace period so that a reconnect within the window surfaces no
// leave/join flicker to other viewers.
type Tracker struct {
	reg   *registry.Registry
	bc    *broadcast.Broadcaster
	grace time.Duration
	log   *zap.Logger

	mu sync.Mutex
	// pending holds at most one pending leave per user.
	pending map[string]*pendingLeave
}

type pendingLeave struct {
	userID    string
	userName  string
	userColor string
	ref       model.ResourceRef
	channels  []string
	timer     *time.Timer
}

// NewTracker creates a Tracker. A non-positive grace falls back to
// DefaultGrace.
func NewTracker(reg *registry.Registry, bc *broadcast.Broadcaster, grace time.Duration, log *zap.Logger) *Tracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		reg:     reg,
		bc:      bc,
		grace:   grace,
		log:     log,
		pending: make(map[string]*pendingLeave),
	}
	reg.SetOnResourceLeave(t.handleDetach)
	return t
}

// Join records that a connection is now viewing a resource.
//
// Reconnect within the grace window on the same resource cancels the pending
// leave silently. A join for a different resource cancels the old pending
// leave and broadcasts it immediately: that is an explicit switch, not a
// disconnect. Duplicate joins (same connection, same resource) are no-ops,
// and a second tab of the same user on the same resource produces no second
// presence_join.
func (t *Tracker) Join(connID string, ref model.ResourceRef) error {
	conn := t.reg.Get(connID)
	if conn == nil {
		return model.ErrConnectionNotFound
	}

	reattach := false
	t.mu.Lock()
	if pl, ok := t.pending[conn.UserID]; ok {
		pl.timer.Stop()
		delete(t.pending, conn.UserID)
		t.mu.Unlock()
		if pl.ref.Equal(ref) {
			// Reconnect within the grace window: re-attach silently, after
			// the joining connection's own prior resource is handled below.
			reattach = true
		} else {
			// Switching resources: the old leave fires now, without grace.
			t.finishLeave(pl)
		}
	} else {
		t.mu.Unlock()
	}

	if cur, _, ok := t.reg.Resource(connID); ok {
		if cur.Equal(ref) {
			return nil // duplicate join guard
		}
		// Explicit switch away from another resource: immediate leave. This
		// runs on the re-attach path too, so a tab that was viewing something
		// else still leaves it when it takes over a pending resource.
		channels := t.reg.Channels(connID)
		t.reg.SetResource(connID, nil)
		t.finishLeave(&pendingLeave{
			userID:    conn.UserID,
			userName:  conn.UserName,
			userColor: conn.UserColor,
			ref:       cur,
			channels:  channels,
		})
	}

	if reattach {
		t.reg.SetResource(connID, &ref)
		t.log.Debug("presence re-attached within grace",
			zap.String("user", conn.UserID),
			zap.String("resource", ref.ResourceID))
		return nil
	}

	// The covered check and the resource write happen under the tracker lock
	// so concurrent tabs of one user serialize: exactly one decides to
	// broadcast.
	t.mu.Lock()
	covered := t.userViewing(conn.UserID, ref, connID)
	t.reg.SetResource(connID, &ref)
	channels := t.reg.Channels(connID)
	t.mu.Unlock()
	if covered {
		// Another tab of the same user already announced this resource.
		return nil
	}

	now := time.Now()
	t.bc.BroadcastAll(channels, &model.Event{
		Type:         model.EventTypePresenceJoin,
		ResourceID:   ref.ResourceID,
		ResourceType: ref.ResourceType,
		UserID:       conn.UserID,
		UserName:     conn.UserName,
		UserColor:    conn.UserColor,
		JoinedAt:     &now,
	})
	return nil
}

// Leave handles an explicit presence_leave from a connection. The viewer set
// is updated immediately so snapshots are accurate, but the broadcast is
// deferred by the grace period.
func (t *Tracker) Leave(connID string) {
	conn := t.reg.Get(connID)
	if conn == nil {
		return
	}
	ref, _, ok := t.reg.Resource(connID)
	if !ok {
		return
	}
	channels := t.reg.Channels(connID)
	t.reg.SetResource(connID, nil)
	t.scheduleLeave(conn, ref, channels)
}

// handleDetach is the registry hook for implicit leaves (disconnect, or
// unsubscribe from the resource's scope).
func (t *Tracker) handleDetach(conn *registry.Connection, ref model.ResourceRef, channels []string) {
	t.scheduleLeave(conn, ref, channels)
}

func (t *Tracker) scheduleLeave(conn *registry.Connection, ref model.ResourceRef, channels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// At most one pending leave per user: a newer detach restarts the timer.
	if prev, ok := t.pending[conn.UserID]; ok {
		prev.timer.Stop()
	}

	pl := &pendingLeave{
		userID:    conn.UserID,
		userName:  conn.UserName,
		userColor: conn.UserColor,
		ref:       ref,
		channels:  channels,
	}
	pl.timer = time.AfterFunc(t.grace, func() { t.expire(pl) })
	t.pending[conn.UserID] = pl
}

// expire fires when a grace timer elapses without a cancelling join.
func (t *Tracker) expire(pl *pendingLeave) {
	t.mu.Lock()
	if t.pending[pl.userID] != pl {
		// Cancelled or replaced while the timer was firing.
		t.mu.Unlock()
		return
	}
	delete(t.pending, pl.userID)
	t.mu.Unlock()

	t.finishLeave(pl)
}

// finishLeave broadcasts a presence_leave unless another connection of the
// same user still covers the resource.
func (t *Tracker) finishLeave(pl *pendingLeave) {
	t.mu.Lock()
	viewing := t.userViewing(pl.userID, pl.ref, "")
	t.mu.Unlock()
	if viewing {
		t.log.Debug("presence leave suppressed, user still viewing",
			zap.String("user", pl.userID),
			zap.String("resource", pl.ref.ResourceID))
		return
	}
	t.bc.BroadcastAll(pl.channels, &model.Event{
		Type:         model.EventTypePresenceLeave,
		ResourceID:   pl.ref.ResourceID,
		ResourceType: pl.ref.ResourceType,
		UserID:       pl.userID,
		UserName:     pl.userName,
		UserColor:    pl.userColor,
	})
}

// userViewing reports whether any connection of the user, other than
// excludeConnID, currently views the resource.
func (t *Tracker) userViewing(userID string, ref model.ResourceRef, excludeConnID string) bool {
	for _, conn := range t.reg.ConnectionsForUser(userID) {
		if conn.ID == excludeConnID {
			continue
		}
		if cur, _, ok := t.reg.Resource(conn.ID); ok && cur.Equal(ref) {
			return true
		}
	}
	return false
}

// Snapshot returns the current presence on a channel, one record per
// (user, resource) pair, for replay to a newly subscribed connection.
func (t *Tracker) Snapshot(channelID string) []model.PresenceRecord {
	type key struct {
		userID, resourceID, resourceType string
	}
	seen := make(map[key]model.PresenceRecord)

	for _, conn := range t.reg.Connections(channelID) {
		ref, joinedAt, ok := t.reg.Resource(conn.ID)
		if !ok {
			continue
		}
		k := key{conn.UserID, ref.ResourceID, ref.ResourceType}
		if rec, dup := seen[k]; dup && rec.JoinedAt.Before(joinedAt) {
			continue // keep the earliest tab's join time
		}
		seen[k] = model.PresenceRecord{
			ResourceID:   ref.ResourceID,
			ResourceType: ref.ResourceType,
			UserID:       conn.UserID,
			UserName:     conn.UserName,
			UserColor:    conn.UserColor,
			JoinedAt:     joinedAt,
		}
	}

	out := make([]model.PresenceRecord, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// PendingLeaves returns the number of leaves currently in their grace window.
func (t *Tracker) PendingLeaves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all pending leave timers without broadcasting.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, pl := range t.pending {
		pl.timer.Stop()
		delete(t.pending, userID)
	}
}
