package friends

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts friend list and friend request routes.
func MountRoutes(r *gin.Engine, engine *chat.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/friends", func(c *gin.Context) {
		listFriends(c, engine)
	})
	g.DELETE("/friends/:userId", func(c *gin.Context) {
		removeFriend(c, engine)
	})
	g.GET("/friend-requests", func(c *gin.Context) {
		listRequests(c, engine)
	})
	g.POST("/friend-requests", func(c *gin.Context) {
		sendRequest(c, engine)
	})
	g.POST("/friend-requests/:requestId/accept", func(c *gin.Context) {
		acceptRequest(c, engine)
	})
	g.POST("/friend-requests/:requestId/reject", func(c *gin.Context) {
		rejectRequest(c, engine)
	})
}

func listFriends(c *gin.Context, engine *chat.Engine) {
	friends, err := engine.ListFriends(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": friends})
}

func removeFriend(c *gin.Context, engine *chat.Engine) {
	if err := engine.RemoveFriend(c.Request.Context(), security.GetUserID(c), c.Param("userId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listRequests(c *gin.Context, engine *chat.Engine) {
	reqs, err := engine.ListFriendRequests(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reqs})
}

func sendRequest(c *gin.Context, engine *chat.Engine) {
	var req struct {
		To string `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fr, err := engine.SendFriendRequest(c.Request.Context(), security.GetUserID(c), strings.TrimSpace(req.To))
	if err != nil {
		handleError(c, err)
		return
	}
	// A request that collapsed into an existing one is not a new resource.
	if fr.Status == model.FriendRequestAccepted {
		c.JSON(http.StatusOK, fr)
		return
	}
	c.JSON(http.StatusCreated, fr)
}

func acceptRequest(c *gin.Context, engine *chat.Engine) {
	fr, err := engine.AcceptFriendRequest(c.Request.Context(), c.Param("requestId"), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, fr)
}

func rejectRequest(c *gin.Context, engine *chat.Engine) {
	if err := engine.RejectFriendRequest(c.Request.Context(), c.Param("requestId"), security.GetUserID(c)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
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
		log.Error("Friends API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
