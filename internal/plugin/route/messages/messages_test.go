package messages_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	"github.com/chirino/chat-sync/internal/plugin/route/messages"
	"github.com/chirino/chat-sync/internal/plugin/store/memory"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *chat.Engine) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	engine := chat.New(store)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	messages.MountRoutes(router, engine, security.IdentityMiddleware(security.DefaultUserIDHeader))
	return router, engine
}

func post(t *testing.T, router http.Handler, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.DefaultUserIDHeader, userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRevokeAndDeleteForSelf(t *testing.T) {
	ctx := context.Background()
	router, engine := setupRouter(t)
	conv, _, err := engine.CreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	orig, err := engine.SendMessage(ctx, chat.SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
	_, err = engine.SendMessage(ctx, chat.SendMessageRequest{ConversationID: conv.ID, SenderID: "bob", Content: "hey", ReplyToID: orig.ID})
	require.NoError(t, err)

	w := post(t, router, "/v1/messages/"+orig.ID+"/revoke", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(t, router, "/v1/messages/"+orig.ID+"/revoke", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"cascaded":1}`, w.Body.String())

	w = post(t, router, "/v1/messages/"+orig.ID+"/delete-for-self", "bob", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = post(t, router, "/v1/messages/missing/delete-for-self", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForward(t *testing.T) {
	ctx := context.Background()
	router, engine := setupRouter(t)
	src, _, err := engine.CreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	target, _, err := engine.CreateDirectConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	notMine, _, err := engine.CreateDirectConversation(ctx, "bob", "carol")
	require.NoError(t, err)
	m, err := engine.SendMessage(ctx, chat.SendMessageRequest{ConversationID: src.ID, SenderID: "bob", Content: "pass it on"})
	require.NoError(t, err)

	w := post(t, router, "/v1/messages/"+m.ID+"/forward", "alice", map[string]any{"conversationIds": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, router, "/v1/messages/"+m.ID+"/forward", "alice", map[string]any{"conversationIds": []string{target.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = post(t, router, "/v1/messages/"+m.ID+"/forward", "alice", map[string]any{"conversationIds": []string{target.ID, notMine.ID}})
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	var body struct {
		OK     bool              `json:"ok"`
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.Contains(t, body.Failed, notMine.ID)
	assert.NotContains(t, body.Failed, target.ID)

	views, err := engine.ListMessages(ctx, target.ID, "carol")
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.True(t, v.Forwarded)
		assert.Equal(t, model.MessageTypeText, v.Type)
		assert.Equal(t, "pass it on", v.Content)
	}
}
