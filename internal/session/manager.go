// Package session owns execution sessions: one long-running, server-driven
// execution per entity, decoupled from any client connection.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/buffer"
	"github.com/collabkit/backend/internal/engine"
	"github.com/collabkit/backend/internal/journal"
	"github.com/collabkit/backend/internal/model"
)

// DefaultQueueCap bounds the per-entity replay buffer when none is
// configured.
const DefaultQueueCap = 500

// EntityStore looks up entity metadata, used to rehydrate execution context
// for messages that arrive without one.
type EntityStore interface {
	GetByID(ctx context.Context, id string) (*model.Entity, error)
}

// Sink is the attached client's event receiver. Delivery errors are logged
// per call and never abort the execution.
type Sink interface {
	Deliver(ev *model.Event) error
}

// Config holds configuration for the session manager.
type Config struct {
	// QueueCap bounds the replay buffer per entity.
	QueueCap int
	// Retention is how long a terminal session with no attached client is
	// kept before Sweep collects it.
	Retention time.Duration
	// JournalDir, when set, enables per-entity execution journals.
	JournalDir string
}

// Manager manages execution sessions. At most one execution runs per entity
// at a time; the execution's cancellation token is owned here, never by a
// connection handler, so disconnects never cancel work.
type Manager struct {
	bc       *broadcast.Broadcaster
	entities EntityStore
	eng      engine.Engine
	cfg      Config
	log      *zap.Logger

	// onStatusChange lets an external view reflect aggregate status without
	// polling.
	onStatusChange func(entityID string, status model.SessionStatus)

	mu       sync.RWMutex
	sessions map[string]*execState
}

// execState is the runtime state for one entity's session. Its mutex
// serializes event dispatch, replay and status transitions, which is what
// guarantees FIFO delivery and backlog-before-live ordering.
type execState struct {
	mu         sync.Mutex
	sess       model.ExecutionSession
	queue      *buffer.MessageQueue
	sink       Sink
	input      chan string
	cancel     context.CancelFunc
	journal    *journal.Journal
	detachedAt time.Time
}

// NewManager creates a session manager.
func NewManager(bc *broadcast.Broadcaster, entities EntityStore, eng engine.Engine, cfg Config, log *zap.Logger) *Manager {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		bc:       bc,
		entities: entities,
		eng:      eng,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*execState),
	}
}

// SetOnStatusChange sets the callback invoked on every status transition.
func (m *Manager) SetOnStatusChange(fn func(entityID string, status model.SessionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

// StartRequest describes a new execution.
type StartRequest struct {
	EntityID    string
	WorkspaceID string
	OwnerUserID string
	Context     string
	Plan        string
}

// StartExecution begins a new execution for an entity. It returns
// model.ErrAlreadyRunning when one is active, enforcing the
// at-most-one-execution-per-entity invariant. The execution runs on its own
// goroutine and keeps running when every client disconnects.
func (m *Manager) StartExecution(req StartRequest) (*model.ExecutionSession, error) {
	m.mu.Lock()
	if st, ok := m.sessions[req.EntityID]; ok {
		st.mu.Lock()
		active := !st.sess.Status.Terminal() && st.sess.Status != model.SessionStatusIdle
		st.mu.Unlock()
		if active {
			m.mu.Unlock()
			return nil, model.ErrAlreadyRunning
		}
	}

	st := &execState{
		sess: model.ExecutionSession{
			EntityID:    req.EntityID,
			WorkspaceID: req.WorkspaceID,
			OwnerUserID: req.OwnerUserID,
			Status:      model.SessionStatusRunning,
			Context:     req.Context,
			Plan:        req.Plan,
			StartedAt:   time.Now(),
		},
		queue:      buffer.NewMessageQueue(m.cfg.QueueCap),
		input:      make(chan string, 16),
		detachedAt: time.Now(),
	}
	m.sessions[req.EntityID] = st
	m.mu.Unlock()

	if m.cfg.JournalDir != "" {
		j, err := journal.New(m.cfg.JournalDir, req.EntityID, req.WorkspaceID)
		if err != nil {
			m.log.Warn("journal disabled for session",
				zap.String("entity", req.EntityID), zap.Error(err))
		} else {
			st.journal = j
		}
	}

	execCtx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	snapshot := st.sess
	st.mu.Unlock()

	m.notifyStatus(req.EntityID, model.SessionStatusRunning)
	m.broadcastState(st)

	go m.run(execCtx, st, engine.Request{
		EntityID:    req.EntityID,
		WorkspaceID: req.WorkspaceID,
		OwnerUserID: req.OwnerUserID,
		Context:     req.Context,
		Plan:        req.Plan,
		Input:       st.input,
	})

	return &snapshot, nil
}

// run drives the engine and settles the terminal status.
func (m *Manager) run(ctx context.Context, st *execState, req engine.Request) {
	err := m.eng.Execute(ctx, req, engine.SinkFunc(func(ev engine.Event) {
		m.handleEngineEvent(st, ev)
	}))

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		m.settle(st, model.SessionStatusCompleted, "")
	default:
		m.log.Warn("execution failed",
			zap.String("entity", req.EntityID), zap.Error(err))
		m.settle(st, model.SessionStatusError, err.Error())
	}

	if st.journal != nil {
		if err := st.journal.Close(); err != nil {
			m.log.Warn("close journal", zap.String("entity", req.EntityID), zap.Error(err))
		}
	}
}

// handleEngineEvent converts an engine event and dispatches it.
func (m *Manager) handleEngineEvent(st *execState, ev engine.Event) {
	if ev.Kind == engine.EventBlocked {
		m.transition(st, model.SessionStatusBlocked, "")
		return
	}

	out := &model.Event{
		Type:         model.EventType(ev.Kind),
		MessageID:    uuid.New().String(),
		Timestamp:    time.Now(),
		Text:         ev.Text,
		ToolName:     ev.ToolName,
		ToolID:       ev.ToolID,
		TaskID:       ev.TaskID,
		PhaseID:      ev.PhaseID,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
	}
	m.dispatch(st, out)
}

// dispatch delivers an event to the attached sink, or buffers it when no
// client is attached. The state lock is held across journaling, broadcast
// and delivery so the per-entity order observed by any client matches
// production order. Terminal events are pinned in the queue so eviction
// cannot drop them.
func (m *Manager) dispatch(st *execState, ev *model.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ev.EntityID = st.sess.EntityID
	pinned := ev.Terminal()

	if st.journal != nil {
		if err := st.journal.Record(ev); err != nil {
			m.log.Warn("journal write failed",
				zap.String("entity", st.sess.EntityID), zap.Error(err))
		}
	}

	m.bc.Broadcast(st.sess.WorkspaceID, ev)

	if st.sink == nil {
		if pinned {
			st.queue.PushPinned(ev)
		} else {
			st.queue.Push(ev)
		}
		st.sess.QueuedCount = st.queue.Len()
		return
	}
	if err := st.sink.Deliver(ev); err != nil {
		m.log.Warn("client delivery failed",
			zap.String("entity", st.sess.EntityID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// settle records a terminal status and broadcasts the terminal event once.
func (m *Manager) settle(st *execState, status model.SessionStatus, errMsg string) {
	st.mu.Lock()
	if st.sess.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.sess.Status = status
	st.sess.ErrorMessage = errMsg
	now := time.Now()
	st.sess.CompletedAt = &now
	if st.sink == nil {
		st.detachedAt = now
	}
	entityID := st.sess.EntityID
	st.mu.Unlock()

	terminal := &model.Event{
		Type:      model.EventTypeExecutionComplete,
		MessageID: uuid.New().String(),
		Timestamp: now,
		Status:    status,
	}
	if status == model.SessionStatusError {
		terminal.Type = model.EventTypeError
		terminal.Error = errMsg
	}
	m.dispatch(st, terminal)

	m.notifyStatus(entityID, status)
}

// transition applies a non-terminal status change and announces it.
func (m *Manager) transition(st *execState, status model.SessionStatus, errMsg string) {
	st.mu.Lock()
	if st.sess.Status == status || st.sess.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.sess.Status = status
	st.sess.ErrorMessage = errMsg
	entityID := st.sess.EntityID
	st.mu.Unlock()

	m.notifyStatus(entityID, status)
	m.broadcastState(st)
}

// broadcastState sends a session_state event to the workspace channel and
// the attached sink.
func (m *Manager) broadcastState(st *execState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snapshot := st.sess
	ev := &model.Event{
		Type:      model.EventTypeSessionState,
		EntityID:  snapshot.EntityID,
		Timestamp: time.Now(),
		Session:   &snapshot,
		Status:    snapshot.Status,
	}
	m.bc.Broadcast(snapshot.WorkspaceID, ev)
	if st.sink != nil {
		if err := st.sink.Deliver(ev); err != nil {
			m.log.Warn("client delivery failed",
				zap.String("entity", snapshot.EntityID), zap.Error(err))
		}
	}
}

func (m *Manager) notifyStatus(entityID string, status model.SessionStatus) {
	m.mu.RLock()
	fn := m.onStatusChange
	m.mu.RUnlock()
	if fn != nil {
		fn(entityID, status)
	}
}

func (m *Manager) get(entityID string) *execState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[entityID]
}

// RegisterClient attaches a sink to an entity's session. The queued backlog
// is replayed in FIFO order before the sink goes live, and the queue is
// drained so nothing replays twice. Returns a session snapshot.
func (m *Manager) RegisterClient(entityID string, sink Sink) (*model.ExecutionSession, error) {
	st := m.get(entityID)
	if st == nil {
		return nil, model.ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, ev := range st.queue.Drain() {
		if err := sink.Deliver(ev); err != nil {
			m.log.Warn("replay delivery failed",
				zap.String("entity", entityID),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
	st.sink = sink
	st.sess.QueuedCount = 0
	snapshot := st.sess
	return &snapshot, nil
}

// UnregisterClient detaches the sink. The execution, if running, continues
// headless; subsequent events accumulate in the replay queue.
func (m *Manager) UnregisterClient(entityID string) {
	st := m.get(entityID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.sink = nil
	st.detachedAt = time.Now()
	st.mu.Unlock()
}

// DetachSink detaches only if sink is still the attached one: an explicit
// cancel or a disconnect stops delivery to that client alone, and a client
// that re-attached in the meantime keeps its stream. The execution itself
// keeps running either way.
func (m *Manager) DetachSink(entityID string, sink Sink) {
	st := m.get(entityID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.sink == sink {
		st.sink = nil
		st.detachedAt = time.Now()
	}
	st.mu.Unlock()
}

// SendMessage forwards a user message into a running execution. The context
// must be supplied, cached on the session, or recoverable from the entity
// store; otherwise model.ErrMissingContext is returned.
func (m *Manager) SendMessage(ctx context.Context, entityID, content, execContext string) error {
	st := m.get(entityID)
	if st == nil {
		return model.ErrSessionNotFound
	}

	st.mu.Lock()
	resolved := execContext
	if resolved == "" {
		resolved = st.sess.Context
	}
	st.mu.Unlock()

	if resolved == "" && m.entities != nil {
		entity, err := m.entities.GetByID(ctx, entityID)
		if err == nil {
			resolved = entity.Context
			if resolved == "" {
				resolved = entity.Plan
			}
		} else if !errors.Is(err, model.ErrEntityNotFound) {
			m.log.Warn("entity lookup failed", zap.String("entity", entityID), zap.Error(err))
		}
	}
	if resolved == "" {
		return model.ErrMissingContext
	}

	st.mu.Lock()
	if st.sess.Context == "" {
		st.sess.Context = resolved
	}
	st.mu.Unlock()

	select {
	case st.input <- content:
		return nil
	default:
		return errors.New("execution input backlog full")
	}
}

// Pause transitions a running session to paused.
func (m *Manager) Pause(entityID string) error {
	st := m.get(entityID)
	if st == nil {
		return model.ErrSessionNotFound
	}
	st.mu.Lock()
	if st.sess.Status != model.SessionStatusRunning {
		status := st.sess.Status
		st.mu.Unlock()
		return statusError("pause", status)
	}
	st.mu.Unlock()
	m.transition(st, model.SessionStatusPaused, "")
	return nil
}

// Resume transitions a paused or blocked session back to running.
func (m *Manager) Resume(entityID string) error {
	st := m.get(entityID)
	if st == nil {
		return model.ErrSessionNotFound
	}
	st.mu.Lock()
	if st.sess.Status != model.SessionStatusPaused && st.sess.Status != model.SessionStatusBlocked {
		status := st.sess.Status
		st.mu.Unlock()
		return statusError("resume", status)
	}
	st.mu.Unlock()
	m.transition(st, model.SessionStatusRunning, "")
	return nil
}

func statusError(op string, status model.SessionStatus) error {
	return &StatusError{Op: op, Status: status}
}

// StatusError reports an invalid lifecycle transition.
type StatusError struct {
	Op     string
	Status model.SessionStatus
}

func (e *StatusError) Error() string {
	return "cannot " + e.Op + " session in status " + string(e.Status)
}

// Snapshot returns the current session state for an entity.
func (m *Manager) Snapshot(entityID string) (*model.ExecutionSession, error) {
	st := m.get(entityID)
	if st == nil {
		return nil, model.ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snapshot := st.sess
	return &snapshot, nil
}

// QueuedCount returns how many events are buffered for an entity.
func (m *Manager) QueuedCount(entityID string) int {
	st := m.get(entityID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.queue.Len()
}

// Sweep garbage-collects sessions that are terminal and have had no
// subscriber for longer than the retention period. It returns how many were
// collected. Running sessions are never collected.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.Retention <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	collected := 0
	for entityID, st := range m.sessions {
		st.mu.Lock()
		expired := st.sess.Status.Terminal() && st.sink == nil &&
			now.Sub(st.detachedAt) > m.cfg.Retention
		st.mu.Unlock()
		if expired {
			delete(m.sessions, entityID)
			collected++
			m.log.Info("collected idle session", zap.String("entity", entityID))
		}
	}
	return collected
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close cancels every in-flight execution. Used at shutdown only.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.sessions {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.mu.Unlock()
	}
}
