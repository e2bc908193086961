package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/middleware"
	"github.com/fabienpiette/tunevault/internal/models"
)

// statusFor maps the domain error taxonomy to an HTTP status and problem title.
// Narrow kinds are checked before the sentinels they also match.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrDownloadExpired), errors.Is(err, models.ErrIntegrity):
		return http.StatusGone, "Gone"
	case errors.Is(err, models.ErrDownloadNotReady):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, models.ErrQueueNotFound),
		errors.Is(err, models.ErrDownloadNotFound),
		errors.Is(err, models.ErrSongNotFound),
		errors.Is(err, models.ErrContentNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusConflict, "Quota Exceeded"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, models.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// respondError writes err as a problem response. Unclassified errors are
// logged and their detail is withheld from the client.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status, title := statusFor(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		detail = "An unexpected error occurred"
	}

	writeProblem(c, status, title, detail)
}

// badRequest rejects malformed input before it reaches a service
func badRequest(c *gin.Context, detail string) {
	writeProblem(c, http.StatusBadRequest, "Bad Request", detail)
}

func writeProblem(c *gin.Context, status int, title, detail string) {
	problem := models.NewAPIError(status, title, detail, c.Request.URL.Path)
	problem.RequestID = middleware.GetRequestID(c)
	c.JSON(status, problem)
}

// currentUser returns the authenticated user, aborting when there is none
func currentUser(c *gin.Context) (int64, bool) {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		writeProblem(c, http.StatusUnauthorized, "Unauthorized", "User not authenticated")
		c.Abort()
	}
	return userID, ok
}

// idParam parses a positive integer path parameter
func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// intQuery parses an optional integer query parameter within [lo, hi]
func intQuery(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return v, true
}
