package security

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"

	// DefaultUserIDHeader carries the user id asserted by the fronting gateway.
	DefaultUserIDHeader = "X-User-ID"
)

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IdentityMiddleware trusts the user id the gateway placed in header.
// Token validation happens upstream; requests without the header are rejected.
func IdentityMiddleware(header string) gin.HandlerFunc {
	if header == "" {
		header = DefaultUserIDHeader
	}
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(header))
		if userID == "" {
			log.Info("Auth rejected: missing identity header", "header", header, "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing " + header + " header"})
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}
