package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/collabkit/backend/internal/ws"
)

// NotifyHandler lets non-realtime services push resource change
// notifications to subscribed clients.
type NotifyHandler struct {
	service *ws.Service
}

// NewNotifyHandler creates a new NotifyHandler.
func NewNotifyHandler(service *ws.Service) *NotifyHandler {
	return &NotifyHandler{service: service}
}

// NotifyRequest is the request body for POST /api/notify.
type NotifyRequest struct {
	WorkspaceID  string `json:"workspaceId" binding:"required"`
	ResourceID   string `json:"resourceId" binding:"required"`
	ResourceType string `json:"resourceType"`
}

// Notify handles POST /api/notify - broadcasts a resource_update event on
// the workspace channel so clients refetch the resource.
func (h *NotifyHandler) Notify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	h.service.NotifyResourceUpdate(req.WorkspaceID, req.ResourceID, req.ResourceType)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers the notify routes on a Gin router group.
func (h *NotifyHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/notify", h.Notify)
}
