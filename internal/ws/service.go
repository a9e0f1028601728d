package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/docsync"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/presence"
	"github.com/collabkit/backend/internal/registry"
	"github.com/collabkit/backend/internal/session"
)

// Service ties the WebSocket transport to the collaboration services. One
// Service handles every connection; per-connection state lives in the
// registry and on each Client.
type Service struct {
	reg     *registry.Registry
	handler *Handler
	bc      *broadcast.Broadcaster
	log     *zap.Logger
}

// NewService creates the WebSocket service.
func NewService(reg *registry.Registry, tracker *presence.Tracker, bc *broadcast.Broadcaster, sessions *session.Manager, bridge *docsync.Bridge, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		reg:     reg,
		handler: NewHandler(reg, tracker, bc, sessions, bridge, log),
		bc:      bc,
		log:     log,
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket connection and
// registers it. Identity comes from query parameters; userId is required.
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return nil
	}
	userName := r.URL.Query().Get("userName")
	if userName == "" {
		userName = userID
	}
	userColor := r.URL.Query().Get("userColor")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connID := uuid.New().String()
	client := NewClient(connID, conn)
	s.reg.Register(connID, userID, userName, userColor, client)

	s.log.Info("connection opened",
		zap.String("conn", connID), zap.String("user", userID))

	go s.handler.writePump(client)
	go s.handler.readPump(client)
	return nil
}

// NotifyResourceUpdate broadcasts a resource_update event on the workspace
// channel. Backing HTTP services call this after mutating a resource so
// subscribed clients refetch.
func (s *Service) NotifyResourceUpdate(workspaceID, resourceID, resourceType string) {
	s.bc.Broadcast(workspaceID, &model.Event{
		Type:         model.EventTypeResourceUpdate,
		Timestamp:    time.Now(),
		ResourceID:   resourceID,
		ResourceType: resourceType,
	})
}

// Handler returns the message handler, exposed for tests.
func (s *Service) Handler() *Handler {
	return s.handler
}
