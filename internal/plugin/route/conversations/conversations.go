package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
)

// keepAliveInterval is how often idle streams get an SSE comment line.
var keepAliveInterval = 15 * time.Second

// MountRoutes mounts conversation, roster and per-conversation message
// routes. Called after store initialization so the engine is available.
func MountRoutes(r *gin.Engine, engine *chat.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, engine)
	})
	g.GET("/conversations/stream", func(c *gin.Context) {
		streamConversations(c, engine)
	})
	g.POST("/conversations/direct", func(c *gin.Context) {
		createDirect(c, engine)
	})
	g.POST("/conversations/groups", func(c *gin.Context) {
		createGroup(c, engine)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, engine)
	})
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) {
		updateGroupInfo(c, engine)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		deleteConversation(c, engine)
	})
	g.POST("/conversations/:conversationId/members", func(c *gin.Context) {
		addMember(c, engine)
	})
	g.DELETE("/conversations/:conversationId/members/:userId", func(c *gin.Context) {
		removeMember(c, engine)
	})
	g.POST("/conversations/:conversationId/admin", func(c *gin.Context) {
		transferAdmin(c, engine)
	})
	g.POST("/conversations/:conversationId/leave", func(c *gin.Context) {
		leaveGroup(c, engine)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, engine)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		sendMessage(c, engine)
	})
	g.GET("/conversations/:conversationId/stream", func(c *gin.Context) {
		streamConversation(c, engine)
	})
}

func listConversations(c *gin.Context, engine *chat.Engine) {
	convs, err := engine.ListConversations(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": convs})
}

func createDirect(c *gin.Context, engine *chat.Engine) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, created, err := engine.CreateDirectConversation(c.Request.Context(), security.GetUserID(c), strings.TrimSpace(req.UserID))
	if err != nil {
		handleError(c, err)
		return
	}
	if created {
		c.JSON(http.StatusCreated, conv)
	} else {
		c.JSON(http.StatusOK, conv)
	}
}

func createGroup(c *gin.Context, engine *chat.Engine) {
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
		Image     string   `json:"image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := engine.CreateGroup(c.Request.Context(), security.GetUserID(c), req.Name, req.MemberIDs, req.Image)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func getConversation(c *gin.Context, engine *chat.Engine) {
	conv, err := engine.GetConversation(c.Request.Context(), security.GetUserID(c), c.Param("conversationId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func updateGroupInfo(c *gin.Context, engine *chat.Engine) {
	var req chat.GroupInfoUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	userID := security.GetUserID(c)
	convID := c.Param("conversationId")
	if err := engine.UpdateGroupInfo(ctx, userID, convID, req); err != nil {
		handleError(c, err)
		return
	}
	conv, err := engine.GetConversation(ctx, userID, convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func deleteConversation(c *gin.Context, engine *chat.Engine) {
	if err := engine.DeleteConversation(c.Request.Context(), security.GetUserID(c), c.Param("conversationId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func addMember(c *gin.Context, engine *chat.Engine) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := engine.AddMember(c.Request.Context(), security.GetUserID(c), c.Param("conversationId"), strings.TrimSpace(req.UserID)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func removeMember(c *gin.Context, engine *chat.Engine) {
	if err := engine.RemoveMember(c.Request.Context(), security.GetUserID(c), c.Param("conversationId"), c.Param("userId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func transferAdmin(c *gin.Context, engine *chat.Engine) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := engine.TransferAdmin(c.Request.Context(), security.GetUserID(c), c.Param("conversationId"), strings.TrimSpace(req.UserID)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func leaveGroup(c *gin.Context, engine *chat.Engine) {
	if err := engine.LeaveGroup(c.Request.Context(), security.GetUserID(c), c.Param("conversationId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listMessages(c *gin.Context, engine *chat.Engine) {
	views, err := engine.ListMessages(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		handleError(c, err)
		return
	}
	// limit keeps the most recent messages.
	if limit > 0 && len(views) > limit {
		views = views[len(views)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func sendMessage(c *gin.Context, engine *chat.Engine) {
	var req chat.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ConversationID = c.Param("conversationId")
	req.SenderID = security.GetUserID(c)

	msg, err := engine.SendMessage(c.Request.Context(), req)
	if err != nil && msg == nil {
		handleError(c, err)
		return
	}
	if err != nil {
		// The message is stored; only the conversation preview lags.
		log.Warn("Message stored without preview update", "conversation", req.ConversationID, "message", msg.ID, "err", err)
	}
	c.JSON(http.StatusCreated, msg.ForViewer(req.SenderID))
}

func streamConversations(c *gin.Context, engine *chat.Engine) {
	ctx := c.Request.Context()
	session := engine.NewSession(ctx, security.GetUserID(c))
	defer session.Close()

	out := make(chan sseEvent, 1)
	dispose := session.OnConversationsChanged(func(convs []model.Conversation) {
		chat.SortByLastActivity(convs)
		offerLatest(out, sseEvent{name: "conversations", data: gin.H{"data": convs}})
	})
	defer dispose()

	serveEvents(c, out)
}

func streamConversation(c *gin.Context, engine *chat.Engine) {
	ctx := c.Request.Context()
	session := engine.NewSession(ctx, security.GetUserID(c))
	defer session.Close()

	out := make(chan sseEvent, 16)
	// done unblocks callbacks once the stream stops reading, so view.Close
	// does not wait on a full out.
	done := make(chan struct{})
	send := func(ev sseEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		case <-done:
		}
	}
	view, err := session.Open(ctx, c.Param("conversationId"), chat.ViewCallbacks{
		OnMessages: func(msgs []model.MessageView) {
			send(sseEvent{name: "messages", data: gin.H{"data": msgs}})
		},
		OnRoster: func(u chat.RosterUpdate) {
			send(sseEvent{name: "roster", data: u})
		},
		OnEvicted: func(conversationID string) {
			send(sseEvent{name: "evicted", data: gin.H{"conversationId": conversationID}, last: true})
		},
	})
	if err != nil {
		handleError(c, err)
		return
	}
	defer view.Close()
	defer close(done)

	serveEvents(c, out)
}

type sseEvent struct {
	name string
	data any
	// last ends the stream after this event.
	last bool
}

// offerLatest replaces any undelivered event with ev.
func offerLatest(ch chan sseEvent, ev sseEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func serveEvents(c *gin.Context, events <-chan sseEvent) {
	ctx := c.Request.Context()
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case ev := <-events:
			if err := writeEvent(c, ev); err != nil {
				log.Warn("Dropping event stream", "event", ev.name, "err", err)
				return
			}
			if ev.last {
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, ev sseEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
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
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		log.Error("Conversation API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0, &registrystore.ValidationError{Field: key, Message: "must be a non-negative integer"}
	}
	return i, nil
}
