package users

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/chat"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts user profile routes. Any user may read a profile;
// only the owner may write it.
func MountRoutes(r *gin.Engine, engine *chat.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/users/me", func(c *gin.Context) {
		getProfile(c, engine, security.GetUserID(c))
	})
	g.PUT("/users/me", func(c *gin.Context) {
		putProfile(c, engine, security.GetUserID(c))
	})
	g.GET("/users/:userId", func(c *gin.Context) {
		getProfile(c, engine, c.Param("userId"))
	})
	g.PUT("/users/:userId", func(c *gin.Context) {
		if c.Param("userId") != security.GetUserID(c) {
			handleError(c, &registrystore.ForbiddenError{Reason: "profiles can only be edited by their owner"})
			return
		}
		putProfile(c, engine, c.Param("userId"))
	})
}

func getProfile(c *gin.Context, engine *chat.Engine, userID string) {
	profile, err := engine.Profile(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func putProfile(c *gin.Context, engine *chat.Engine, userID string) {
	var req struct {
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile, err := engine.UpsertProfile(c.Request.Context(), userID, req.DisplayName, req.AvatarURL)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// --- Helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Users API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
