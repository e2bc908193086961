package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/services"
)

// SmartHandler handles smart download endpoints
type SmartHandler struct {
	container *services.Container
}

// NewSmartHandler creates a new smart download handler
func NewSmartHandler(container *services.Container) *SmartHandler {
	return &SmartHandler{
		container: container,
	}
}

// GetPredictions returns the merged predictions for a device
func (h *SmartHandler) GetPredictions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	deviceID := c.Query("device_id")
	if deviceID == "" {
		badRequest(c, "device_id is required")
		return
	}

	predictions, err := h.container.GetPredictionEngine().Predict(c.Request.Context(), userID, deviceID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "predictions": predictions})
}

// RunSmartDownload turns confident predictions into downloads. Without a
// network in the body the device's last report is used.
func (h *SmartHandler) RunSmartDownload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.SmartDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	req.UserID = userID

	ctx := c.Request.Context()
	if req.Network.Type == "" {
		network, _, err := h.container.GetDownloadService().CurrentNetwork(ctx, userID, req.DeviceID)
		if err != nil {
			respondError(c, h.container.GetLogger(), err)
			return
		}
		req.Network = network
	}

	result, err := h.container.GetPredictionEngine().PredictAndDownload(ctx, &req)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetSettings returns the user's smart download settings
func (h *SmartHandler) GetSettings(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	settings, err := h.container.GetPredictionEngine().Settings(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

// UpdateSettings replaces the user's smart download settings
func (h *SmartHandler) UpdateSettings(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var settings models.SmartDownloadSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}

	if err := h.container.GetPredictionEngine().UpdateSettings(c.Request.Context(), userID, &settings); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, settings)
}
