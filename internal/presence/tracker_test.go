package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/registry"
)

const testGrace = 40 * time.Millisecond

// fakeSender collects decoded events delivered to one connection.
type fakeSender struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *fakeSender) Send(data []byte) bool {
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func (s *fakeSender) count(ofType model.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == ofType {
			n++
		}
	}
	return n
}

func (s *fakeSender) last(ofType model.EventType) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == ofType {
			return s.events[i], true
		}
	}
	return model.Event{}, false
}

func newTestTracker(t *testing.T) (*Tracker, *registry.Registry) {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(log)
	bc := broadcast.New(reg, log)
	tracker := NewTracker(reg, bc, testGrace, log)
	t.Cleanup(tracker.Stop)
	return tracker, reg
}

// addViewer registers a connection subscribed to the channel without any
// presence, as an observer of broadcasts.
func addViewer(t *testing.T, reg *registry.Registry, connID, userID, channelID string) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	reg.Register(connID, userID, "User "+userID, "#abc", sender)
	if err := reg.Subscribe(connID, channelID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sender
}

func waitCount(t *testing.T, s *fakeSender, ofType model.EventType, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.count(ofType) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s events, got %d", want, ofType, s.count(ofType))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pageRef(id string) model.ResourceRef {
	return model.ResourceRef{ResourceID: id, ResourceType: "page", ChannelID: "ch"}
}

func TestJoinBroadcastsOnce(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "c1", "u1", "ch")

	if err := tracker.Join("c1", pageRef("page-1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitCount(t, viewer, model.EventTypePresenceJoin, 1)

	ev, _ := viewer.last(model.EventTypePresenceJoin)
	if ev.UserID != "u1" || ev.ResourceID != "page-1" || ev.JoinedAt == nil {
		t.Fatalf("malformed join event: %+v", ev)
	}

	// Duplicate join is a no-op.
	if err := tracker.Join("c1", pageRef("page-1")); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	time.Sleep(2 * testGrace)
	if got := viewer.count(model.EventTypePresenceJoin); got != 1 {
		t.Fatalf("expected 1 join after duplicate, got %d", got)
	}
}

func TestLeaveDeferredByGrace(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "c1", "u1", "ch")

	tracker.Join("c1", pageRef("page-1"))
	waitCount(t, viewer, model.EventTypePresenceJoin, 1)

	tracker.Leave("c1")
	if got := viewer.count(model.EventTypePresenceLeave); got != 0 {
		t.Fatalf("leave broadcast before grace elapsed")
	}
	if tracker.PendingLeaves() != 1 {
		t.Fatalf("expected 1 pending leave, got %d", tracker.PendingLeaves())
	}

	waitCount(t, viewer, model.EventTypePresenceLeave, 1)
	if tracker.PendingLeaves() != 0 {
		t.Fatalf("pending leave not cleared after expiry")
	}
}

func TestReconnectWithinGraceProducesNoFlicker(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "c1", "u1", "ch")

	tracker.Join("c1", pageRef("page-1"))
	waitCount(t, viewer, model.EventTypePresenceJoin, 1)

	// Simulate a page refresh: the connection drops and a new one joins the
	// same resource inside the grace window.
	reg.Deregister("c1")
	addViewer(t, reg, "c2", "u1", "ch")
	if err := tracker.Join("c2", pageRef("page-1")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	time.Sleep(2 * testGrace)
	if got := viewer.count(model.EventTypePresenceLeave); got != 0 {
		t.Fatalf("reconnect within grace still broadcast %d leaves", got)
	}
	if got := viewer.count(model.EventTypePresenceJoin); got != 1 {
		t.Fatalf("reconnect within grace broadcast %d joins, want 1", got)
	}
}

func TestSwitchResourceLeavesImmediately(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "c1", "u1", "ch")

	tracker.Join("c1", pageRef("page-1"))
	waitCount(t, viewer, model.EventTypePresenceJoin, 1)

	// Switching is intentional: the leave must not wait out the grace.
	tracker.Join("c1", pageRef("page-2"))
	waitCount(t, viewer, model.EventTypePresenceLeave, 1)
	leave, _ := viewer.last(model.EventTypePresenceLeave)
	if leave.ResourceID != "page-1" {
		t.Fatalf("leave for wrong resource: %s", leave.ResourceID)
	}
	waitCount(t, viewer, model.EventTypePresenceJoin, 2)
	join, _ := viewer.last(model.EventTypePresenceJoin)
	if join.ResourceID != "page-2" {
		t.Fatalf("join for wrong resource: %s", join.ResourceID)
	}
}

func TestMultiTabAnnouncesOnce(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "tab1", "u1", "ch")
	addViewer(t, reg, "tab2", "u1", "ch")

	tracker.Join("tab1", pageRef("page-1"))
	tracker.Join("tab2", pageRef("page-1"))
	time.Sleep(testGrace)
	if got := viewer.count(model.EventTypePresenceJoin); got != 1 {
		t.Fatalf("two tabs broadcast %d joins, want 1", got)
	}

	// Closing one tab leaves the user covered by the other.
	tracker.Leave("tab1")
	time.Sleep(2 * testGrace)
	if got := viewer.count(model.EventTypePresenceLeave); got != 0 {
		t.Fatalf("leave broadcast while another tab still viewing")
	}

	tracker.Leave("tab2")
	waitCount(t, viewer, model.EventTypePresenceLeave, 1)
}

func TestReattachWithinGraceLeavesPriorResource(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "tab1", "u1", "ch")
	addViewer(t, reg, "tab2", "u1", "ch")

	tracker.Join("tab1", pageRef("page-1"))
	tracker.Join("tab2", pageRef("page-2"))
	waitCount(t, viewer, model.EventTypePresenceJoin, 2)

	// tab1 drops, then tab2 takes over page-1 inside the grace window. The
	// re-attach is silent for page-1, but tab2's own page-2 presence must
	// still end with an immediate leave.
	reg.Deregister("tab1")
	if err := tracker.Join("tab2", pageRef("page-1")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	waitCount(t, viewer, model.EventTypePresenceLeave, 1)
	leave, _ := viewer.last(model.EventTypePresenceLeave)
	if leave.ResourceID != "page-2" {
		t.Fatalf("leave for wrong resource: %s", leave.ResourceID)
	}

	time.Sleep(2 * testGrace)
	if got := viewer.count(model.EventTypePresenceLeave); got != 1 {
		t.Fatalf("expected 1 leave, got %d", got)
	}
	if got := viewer.count(model.EventTypePresenceJoin); got != 2 {
		t.Fatalf("silent re-attach broadcast extra joins: %d", got)
	}
}

func TestConcurrentTabJoinsAnnounceOnce(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")

	const tabs = 16
	for i := 0; i < tabs; i++ {
		addViewer(t, reg, fmt.Sprintf("tab%d", i), "u1", "ch")
	}

	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracker.Join(fmt.Sprintf("tab%d", i), pageRef("page-1"))
		}(i)
	}
	wg.Wait()

	time.Sleep(testGrace)
	if got := viewer.count(model.EventTypePresenceJoin); got != 1 {
		t.Fatalf("%d concurrent tabs broadcast %d joins, want 1", tabs, got)
	}
}

func TestDisconnectSchedulesLeaveViaRegistryHook(t *testing.T) {
	tracker, reg := newTestTracker(t)
	viewer := addViewer(t, reg, "v1", "watcher", "ch")
	addViewer(t, reg, "c1", "u1", "ch")

	tracker.Join("c1", pageRef("page-1"))
	waitCount(t, viewer, model.EventTypePresenceJoin, 1)

	reg.Deregister("c1")
	if tracker.PendingLeaves() != 1 {
		t.Fatalf("deregister did not schedule a pending leave")
	}
	waitCount(t, viewer, model.EventTypePresenceLeave, 1)
}

func TestSnapshotDeduplicatesTabs(t *testing.T) {
	tracker, reg := newTestTracker(t)
	addViewer(t, reg, "tab1", "u1", "ch")
	addViewer(t, reg, "tab2", "u1", "ch")
	addViewer(t, reg, "c3", "u2", "ch")

	tracker.Join("tab1", pageRef("page-1"))
	tracker.Join("tab2", pageRef("page-1"))
	tracker.Join("c3", pageRef("page-2"))

	snap := tracker.Snapshot("ch")
	if len(snap) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(snap), snap)
	}
	for _, rec := range snap {
		if rec.UserID == "u1" && rec.ResourceID != "page-1" {
			t.Fatalf("u1 on wrong resource: %+v", rec)
		}
	}

	// Explicit leave removes the viewer from snapshots immediately, before
	// the deferred broadcast fires.
	tracker.Leave("c3")
	snap = tracker.Snapshot("ch")
	if len(snap) != 1 || snap[0].UserID != "u1" {
		t.Fatalf("expected only u1 after leave, got %+v", snap)
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if err := tracker.Join("ghost", pageRef("page-1")); err != model.ErrConnectionNotFound {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

// Any number of tabs of one user joining the same resource yields exactly
// one presence_join broadcast.
func TestMultiTabJoinProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("n tabs produce one join", prop.ForAll(
		func(tabs int) bool {
			log := zap.NewNop()
			reg := registry.New(log)
			bc := broadcast.New(reg, log)
			tracker := NewTracker(reg, bc, time.Minute, log)
			defer tracker.Stop()

			viewer := &fakeSender{}
			reg.Register("v1", "watcher", "", "", viewer)
			if err := reg.Subscribe("v1", "ch"); err != nil {
				return false
			}

			for i := 0; i < tabs; i++ {
				connID := fmt.Sprintf("tab%d", i)
				reg.Register(connID, "u1", "", "", &fakeSender{})
				if err := reg.Subscribe(connID, "ch"); err != nil {
					return false
				}
				if err := tracker.Join(connID, pageRef("page-1")); err != nil {
					return false
				}
			}
			return viewer.count(model.EventTypePresenceJoin) == 1
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
