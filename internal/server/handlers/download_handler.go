package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/services"
)

// DownloadHandler handles download-related endpoints
type DownloadHandler struct {
	container *services.Container
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(container *services.Container) *DownloadHandler {
	return &DownloadHandler{
		container: container,
	}
}

// RequestDownload queues a song, album or playlist for a device
func (h *DownloadHandler) RequestDownload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	// Clients cannot impersonate the sync or smart engines.
	req.Source = models.DownloadSourceManual

	queue, err := h.container.GetDownloadService().RequestDownload(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusCreated, queue)
}

// ListQueues returns the user's queue items, newest first
func (h *DownloadHandler) ListQueues(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	limit, ok := intQuery(c, "limit", 50, 1, 100)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0, 0, 1<<20)
	if !ok {
		return
	}

	var statuses []models.QueueStatus
	for _, s := range splitList(c.Query("status")) {
		statuses = append(statuses, models.QueueStatus(s))
	}

	queues, err := h.container.GetDownloadService().ListQueues(c.Request.Context(), userID, c.Query("device_id"), statuses, limit, offset)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queues": queues,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(queues),
		},
	})
}

// GetQueue returns one queue item with its progress
func (h *DownloadHandler) GetQueue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	queueID, ok := idParam(c, "id")
	if !ok {
		return
	}

	queue, err := h.container.GetDownloadService().GetQueue(c.Request.Context(), userID, queueID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, queue)
}

// PauseQueue pauses a pending or processing queue item
func (h *DownloadHandler) PauseQueue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	queueID, ok := idParam(c, "id")
	if !ok {
		return
	}

	paused, err := h.container.GetDownloadService().PauseQueue(c.Request.Context(), userID, queueID)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue_id": queueID, "paused": paused})
}

// ResumeQueue puts a paused queue item back in line
func (h *DownloadHandler) ResumeQueue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	queueID, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.container.GetDownloadService().ResumeQueue(c.Request.Context(), userID, queueID); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue_id": queueID, "resumed": true})
}

// CancelQueue cancels a queue item; ?forget=true also deletes it
func (h *DownloadHandler) CancelQueue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	queueID, ok := idParam(c, "id")
	if !ok {
		return
	}

	forget := c.Query("forget") == "true"
	if err := h.container.GetDownloadService().CancelQueue(c.Request.Context(), userID, queueID, forget); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListDownloads returns the downloads on one device
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var statuses []models.DownloadStatus
	for _, s := range splitList(c.Query("status")) {
		statuses = append(statuses, models.DownloadStatus(s))
	}

	downloads, err := h.container.GetDownloadService().ListDownloads(c.Request.Context(), userID, c.Query("device_id"), statuses...)
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"downloads": downloads})
}

// DeleteDownload removes a download and its file
func (h *DownloadHandler) DeleteDownload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	downloadID, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.container.GetDownloadService().DeleteDownload(c.Request.Context(), userID, downloadID); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetStorageInfo returns a device's limits, usage and warning
func (h *DownloadHandler) GetStorageInfo(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	info, err := h.container.GetDownloadService().GetStorageInfo(c.Request.Context(), userID, c.Param("device_id"))
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// EnforceQuota brings a device back within its limits
func (h *DownloadHandler) EnforceQuota(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	result, err := h.container.GetQuotaEnforcer().Enforce(c.Request.Context(), userID, c.Param("device_id"))
	if err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ReportNetwork records the connectivity a device is currently on
func (h *DownloadHandler) ReportNetwork(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var network models.NetworkContext
	if err := c.ShouldBindJSON(&network); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}

	deviceID := c.Param("device_id")
	if err := h.container.GetDownloadService().ReportNetwork(c.Request.Context(), userID, deviceID, network); err != nil {
		respondError(c, h.container.GetLogger(), err)
		return
	}

	c.Status(http.StatusNoContent)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
