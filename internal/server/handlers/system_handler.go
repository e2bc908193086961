package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fabienpiette/tunevault/internal/services"
)

// SystemHandler handles health and realtime endpoints
type SystemHandler struct {
	container *services.Container
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(container *services.Container) *SystemHandler {
	return &SystemHandler{
		container: container,
	}
}

// Health reports database and Redis health. Degraded dependencies answer 503.
func (h *SystemHandler) Health(c *gin.Context) {
	health := h.container.HealthCheck(c.Request.Context())

	status := http.StatusOK
	if health["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, health)
}

// SchedulerStats returns the scheduler occupancy
func (h *SystemHandler) SchedulerStats(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	c.JSON(http.StatusOK, h.container.GetDownloadService().SchedulerStats())
}

// WebSocket upgrades the connection and streams the user's progress events
func (h *SystemHandler) WebSocket(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = c.GetHeader("X-Client-ID")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	h.container.GetWebSocketHub().HandleWebSocket(c.Writer, c.Request, userID, clientID)
}
