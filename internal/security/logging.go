package security

import (
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs one line per request. Requests for skipPaths are
// not logged. Server errors are logged at warn level.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if slices.Contains(skipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"user", GetUserID(c),
		}
		if conv := c.Param("conversationId"); conv != "" {
			kv = append(kv, "conversation", conv)
		}
		if status >= 500 {
			log.Warn("HTTP request", append(kv, "errors", c.Errors.String())...)
			return
		}
		log.Info("HTTP request", kv...)
	}
}
