package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/tunevault/internal/services"
)

// PlaybackHandler handles offline playback endpoints
type PlaybackHandler struct {
	container *services.Container
}

// NewPlaybackHandler creates a new playback handler
func NewPlaybackHandler(container *services.Container) *PlaybackHandler {
	return &PlaybackHandler{
		container: container,
	}
}

// Resolve returns the local URL of a downloaded song after verifying it
func (h *PlaybackHandler) Resolve(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	songID, ok := idParam(c, "song_id")
	if !ok {
		return
	}

	info, err := h.container.GetPlaybackGateway().Resolve(c.Request.Context(), userID, c.Param("device_id"), songID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// VerifyDevice checks every completed download on a device
func (h *PlaybackHandler) VerifyDevice(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	report, err := h.container.GetPlaybackGateway().VerifyDevice(c.Request.Context(), userID, c.Param("device_id"))
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, report)
}
