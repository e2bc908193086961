package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/services"
)

// SyncHandler handles multi-device sync endpoints
type SyncHandler struct {
	container *services.Container
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(container *services.Container) *SyncHandler {
	return &SyncHandler{
		container: container,
	}
}

// Sync converges the user's devices. An empty body runs a full sync.
func (h *SyncHandler) Sync(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var opts models.SyncOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badRequest(c, "Invalid request format: "+err.Error())
			return
		}
	}

	result, err := h.container.GetSyncEngine().Sync(c.Request.Context(), userID, opts)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetReport returns the per-device sync overview without changing anything
func (h *SyncHandler) GetReport(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	report, err := h.container.GetSyncEngine().GenerateReport(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// EnableAutoSync turns on periodic sync for a device
func (h *SyncHandler) EnableAutoSync(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var cfg models.AutoSyncConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	cfg.UserID = userID
	cfg.Enabled = true

	if err := h.container.GetSyncEngine().EnableAutoSync(c.Request.Context(), cfg); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"device_id": cfg.DeviceID, "auto_sync": true})
}

// DisableAutoSync turns off periodic sync for a device
func (h *SyncHandler) DisableAutoSync(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	deviceID := c.Param("device_id")
	if err := h.container.GetSyncEngine().DisableAutoSync(c.Request.Context(), userID, deviceID); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.Status(http.StatusNoContent)
}
