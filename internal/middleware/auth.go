package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fabienpiette/tunevault/internal/auth"
	"github.com/fabienpiette/tunevault/internal/models"
)

const (
	contextUserID    = "user_id"
	contextRequestID = "request_id"
	headerRequestID  = "X-Request-ID"
)

// AuthRequired rejects requests without a valid bearer token. Browsers cannot
// set headers on WebSocket upgrades, so a `token` query parameter is accepted
// as well.
func AuthRequired(tokens *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				abortUnauthorized(c, "Invalid authorization header format")
				return
			}
			token = parts[1]
		}
		if token == "" {
			abortUnauthorized(c, "Authorization header is required")
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(contextUserID, claims.UserID)
		c.Next()
	}
}

// RequestID tags every request with an ID, reusing the caller's when present
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextRequestID, requestID)
		c.Header(headerRequestID, requestID)
		c.Next()
	}
}

// GetCurrentUserID retrieves the authenticated user ID from the Gin context
func GetCurrentUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get(contextUserID)
	if !exists {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}

// GetRequestID returns the ID assigned by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextRequestID)
}

func abortUnauthorized(c *gin.Context, detail string) {
	problem := models.NewAPIError(http.StatusUnauthorized, "Unauthorized", detail, c.Request.URL.Path)
	problem.RequestID = GetRequestID(c)
	c.AbortWithStatusJSON(http.StatusUnauthorized, problem)
}
