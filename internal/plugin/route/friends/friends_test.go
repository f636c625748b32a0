package friends_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	"github.com/chirino/chat-sync/internal/plugin/route/friends"
	"github.com/chirino/chat-sync/internal/plugin/store/memory"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	friends.MountRoutes(router, chat.New(store), security.IdentityMiddleware(security.DefaultUserIDHeader))
	return router
}

func do(t *testing.T, router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.DefaultUserIDHeader, userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestFriendRequestLifecycle(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/v1/friend-requests", "alice", map[string]any{"to": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/friend-requests", "alice", map[string]any{"to": "bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent model.FriendRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))

	w = do(t, router, http.MethodPost, "/v1/friend-requests", "alice", map[string]any{"to": "bob"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"request_pending"`)

	w = do(t, router, http.MethodGet, "/v1/friend-requests", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sent.ID)

	w = do(t, router, http.MethodPost, "/v1/friend-requests/"+sent.ID+"/accept", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// bob asking alice back accepts her pending request.
	w = do(t, router, http.MethodPost, "/v1/friend-requests", "bob", map[string]any{"to": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var collapsed model.FriendRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &collapsed))
	assert.Equal(t, sent.ID, collapsed.ID)
	assert.Equal(t, model.FriendRequestAccepted, collapsed.Status)

	w = do(t, router, http.MethodGet, "/v1/friends", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []model.Friend `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "bob", list.Data[0].UserID)
	assert.Equal(t, model.DefaultDisplayName, list.Data[0].DisplayName)

	w = do(t, router, http.MethodDelete, "/v1/friends/bob", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodDelete, "/v1/friends/bob", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectFriendRequest(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/v1/friend-requests", "alice", map[string]any{"to": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sent model.FriendRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))

	w = do(t, router, http.MethodPost, "/v1/friend-requests/"+sent.ID+"/reject", "bob", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodPost, "/v1/friend-requests/"+sent.ID+"/reject", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
