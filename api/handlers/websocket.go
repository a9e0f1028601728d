// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/ws"
)

// WebSocketHandler upgrades HTTP requests to realtime connections.
type WebSocketHandler struct {
	service *ws.Service
	log     *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(service *ws.Service, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{service: service, log: log}
}

// Connect handles GET /api/ws. Identity comes from query parameters.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.service.HandleConnection(c.Writer, c.Request); err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
	}
}

// RegisterRoutes registers the WebSocket routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}
