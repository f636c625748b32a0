package messages

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/chat"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the routes that act on a single message.
func MountRoutes(r *gin.Engine, engine *chat.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/messages/:messageId/delete-for-self", func(c *gin.Context) {
		deleteForSelf(c, engine)
	})
	g.POST("/messages/:messageId/revoke", func(c *gin.Context) {
		revoke(c, engine)
	})
	g.POST("/messages/:messageId/forward", func(c *gin.Context) {
		forward(c, engine)
	})
}

func deleteForSelf(c *gin.Context, engine *chat.Engine) {
	if err := engine.DeleteForSelf(c.Request.Context(), c.Param("messageId"), security.GetUserID(c)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func revoke(c *gin.Context, engine *chat.Engine) {
	cascaded, err := engine.Revoke(c.Request.Context(), c.Param("messageId"), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cascaded": cascaded})
}

func forward(c *gin.Context, engine *chat.Engine) {
	var req struct {
		ConversationIDs []string `json:"conversationIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, err := engine.Forward(c.Request.Context(), security.GetUserID(c), c.Param("messageId"), req.ConversationIDs)
	var partial *chat.ForwardError
	if errors.As(err, &partial) {
		failed := make(map[string]string, len(partial.Failed))
		for id, ferr := range partial.Failed {
			failed[id] = ferr.Error()
		}
		c.JSON(http.StatusMultiStatus, gin.H{"ok": false, "failed": failed})
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

// --- Helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Message API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
